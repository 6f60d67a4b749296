package shared

import "strings"

// Actor statuses.
const (
	ActorActive   = "active"
	ActorInactive = "inactive"
)

// Roles recognised by workflow checks.
const (
	RoleAdmin      = "admin"
	RoleResearcher = "researcher"
	RoleOperator   = "operator"
)

// Actor is the authenticated user performing a request.
type Actor struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions,omitempty"`
}

// Active reports whether the actor may act.
func (a Actor) Active() bool {
	return a.ID != 0 && a.Status == ActorActive
}

// HasRole reports whether the actor holds role (case-insensitive).
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsAdmin is shorthand for HasRole(RoleAdmin).
func (a Actor) IsAdmin() bool {
	return a.HasRole(RoleAdmin)
}

// Can reports whether the actor was granted perm. Admins are granted everything.
func (a Actor) Can(perm string) bool {
	if a.IsAdmin() {
		return true
	}
	perm = strings.ToLower(strings.TrimSpace(perm))
	for _, p := range a.Permissions {
		if strings.ToLower(p) == perm {
			return true
		}
	}
	return false
}

// Require returns ErrUnauthenticated, ErrInactiveActor or nil.
func (a Actor) Require() error {
	if a.ID == 0 {
		return ErrUnauthenticated
	}
	if a.Status != ActorActive {
		return ErrInactiveActor
	}
	return nil
}
