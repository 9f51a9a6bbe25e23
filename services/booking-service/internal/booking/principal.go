package booking

import (
	"net/http"
	"strings"
)

// Headers set by the gateway after it verifies the caller's token.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
	HeaderRole      = "X-Role"
)

const RoleAdmin = "admin"

type Principal struct {
	UserID string
	Email  string
	Name   string
	Role   string
}

func (p *Principal) IsAdmin() bool {
	return p != nil && strings.EqualFold(p.Role, RoleAdmin)
}

func (p *Principal) owns(customerID string) bool {
	return p != nil && p.UserID != "" && p.UserID == customerID
}

// PrincipalFromRequest returns nil when the request carries no user id.
func PrincipalFromRequest(r *http.Request) *Principal {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return nil
	}
	return &Principal{
		UserID: id,
		Email:  strings.TrimSpace(r.Header.Get(HeaderUserEmail)),
		Name:   strings.TrimSpace(r.Header.Get(HeaderUserName)),
		Role:   strings.TrimSpace(r.Header.Get(HeaderRole)),
	}
}
