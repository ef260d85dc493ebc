package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns "<prefix>_<32 hex chars>" backed by a random UUID.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
