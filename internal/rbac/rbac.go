// Package rbac decides what a principal may do to a story given its relation
// to that story.
package rbac

type Relation string
type Action string

const (
	// RelationOwner is the story's author.
	RelationOwner Relation = "owner"
	// RelationContributor is any other registered principal.
	RelationContributor Relation = "contributor"
)

const (
	ActionRevise       Action = "revise"
	ActionRequestMerge Action = "request_merge"
	ActionResolveMerge Action = "resolve_merge"
	ActionPromote      Action = "promote"
	ActionDelete       Action = "delete"
)

func Can(relation Relation, action Action) bool {
	switch relation {
	case RelationOwner:
		return true
	case RelationContributor:
		// any registered principal may write revisions and ask for a merge
		return action == ActionRevise || action == ActionRequestMerge
	default:
		return false
	}
}

// RelationTo classifies principalID against a story owned by ownerID.
func RelationTo(ownerID, principalID string) Relation {
	if principalID != "" && principalID == ownerID {
		return RelationOwner
	}
	return RelationContributor
}
