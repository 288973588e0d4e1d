package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// UserHeader carries the id of the authenticated user. It is set by the
// upstream gateway that performs authentication.
const UserHeader = "X-User-ID"

const userKey = "user_id"

// RequireUser rejects requests without a valid user id header and stores
// the id in the context
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(UserHeader)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing " + UserHeader + " header"})
			return
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + UserHeader + " header"})
			return
		}
		c.Set(userKey, id)
		c.Next()
	}
}

func userID(c *gin.Context) uint64 {
	return c.GetUint64(userKey)
}
