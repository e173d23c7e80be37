package auth

import "fmt"

// Principal identifies the authenticated caller of an engine operation.
// ActorID is the contributor or admin identifier carried by the credential;
// Admin is granted by the server layer, never by the caller.
type Principal struct {
	ActorID string
	Email   string
	Admin   bool
}

// ForbiddenError indicates the caller may not perform the action.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}

// NotOwnerError indicates the caller tried to modify a contribution owned by
// a different contributor.
type NotOwnerError struct {
	ContributionID string
}

func (e NotOwnerError) Error() string {
	return fmt.Sprintf("contribution %s belongs to another contributor", e.ContributionID)
}
