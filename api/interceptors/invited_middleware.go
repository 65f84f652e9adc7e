package interceptors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// InvitedMiddleware authenticates through the invitation token alone:
// Authorization: Bearer <token>. The token is the only secret an invitee
// holds, so possession is the whole check.
func InvitedMiddleware(store repository.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Authorization header is missing"})
			return
		}
		token, err := uuid.Parse(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid invitation token"})
			return
		}

		orgID := types.OrganizationID(c.Param("organization_id"))
		ctx := c.Request.Context()
		org, oErr := store.Organizations().Get(ctx, orgID)
		if oErr != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Unknown organization"})
			return
		}
		if org.IsExpired {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Organization expired"})
			return
		}
		invitation, iErr := store.Invitations().Get(ctx, orgID, token)
		if iErr != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Unknown invitation token"})
			return
		}

		c.Set("organization", org)
		c.Set("invitationToken", token)
		c.Set("invitation", invitation)
		c.Next()
	}
}
