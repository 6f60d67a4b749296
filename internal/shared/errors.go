package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated indicates the request carried no resolvable actor.
	ErrUnauthenticated = errors.New("actor not authenticated")
	// ErrInactiveActor indicates the actor account is disabled.
	ErrInactiveActor = errors.New("actor inactive")
	// ErrForbidden indicates the actor lacks the role for an action.
	ErrForbidden = errors.New("forbidden")
)
