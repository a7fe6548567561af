// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/hitoshi/talkgate/internal/model"
)

// adminTokenHeader は管理系APIの認証トークンを格納するヘッダー名。
const adminTokenHeader = "X-Admin-Token"

// NewAdminTokenMiddleware は管理系APIの共有トークン認証ミドルウェアを返す。
// トークンの比較は一定時間比較で行う。
// トークンが一致しないリクエストには401 Unauthorizedを返す。
func NewAdminTokenMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(adminTokenHeader)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     "UNAUTHORIZED",
					Message:  "認証に失敗しました。",
					Category: "auth",
					Action:   "正しい管理トークンを指定してください。",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
