package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CtxUserIDKey gin.Context 中保存用户 ID 的 key
const CtxUserIDKey = "pairchat.user_id"

// RequireIdentity 解析身份并写入 context，失败返回 401。
// mode=none 时改为读取 ?as= 参数（仅开发期），缺失同样 401。
func RequireIdentity(r *Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := r.Resolve(c.Request)
		if err == nil && id == "" && !r.Required() {
			id = c.Query("as")
		}
		if err != nil || id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated.Error()})
			return
		}
		c.Set(CtxUserIDKey, id)
		c.Next()
	}
}

// UserID 读取 RequireIdentity 写入的用户 ID
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}
