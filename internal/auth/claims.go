package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service. Tokens
// identify calling services, not people; there is no interactive login.
type Claims struct {
	jwt.RegisteredClaims

	ServiceID string `json:"service_id"`
	Role      string `json:"role"`
}
