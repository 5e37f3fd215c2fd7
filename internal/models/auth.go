package models

import "github.com/golang-jwt/jwt/v5"

// UserRole is the caller role asserted by the auth service.
type UserRole string

const (
	RolePatient      UserRole = "PATIENT"
	RolePsychologist UserRole = "PSYCHOLOGIST"
)

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
	jwt.RegisteredClaims
}
