package types

// Well-known roles checked by the core. Role validation itself happens at
// the boundary; the core only consults the attached principal.
const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
)

// Principal is the authenticated caller attached to every request. The core
// never reads a tenant id from a request body; tenant scoping always comes
// from here.
type Principal struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// HasRole reports whether the principal carries the named role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasScope reports whether the principal carries the named scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
