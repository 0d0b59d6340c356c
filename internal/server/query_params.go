package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func parseUserID(c *gin.Context) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || parsed == 0 {
		return 0, newValidationError("id", "invalid_id", "invalid user id")
	}
	return parsed, nil
}
