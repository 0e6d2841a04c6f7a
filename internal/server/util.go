package server

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase normalizes a mount prefix to "" or "/a/b" form.
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// writeJSON encodes v with status code. Responses describe live state, so
// they are never cacheable.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Header("Cache-Control", "no-store")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
