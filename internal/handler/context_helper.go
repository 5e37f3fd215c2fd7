package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/befree-health/scheduling-api/internal/middleware"
	"github.com/befree-health/scheduling-api/internal/models"
	appErrors "github.com/befree-health/scheduling-api/pkg/errors"
	"github.com/befree-health/scheduling-api/pkg/response"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// requireClaims writes a 401 and returns false when no identity is attached.
func requireClaims(c *gin.Context) (*models.JWTClaims, bool) {
	claims := claimsFromContext(c)
	if claims == nil || claims.UserID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}
	return claims, true
}
