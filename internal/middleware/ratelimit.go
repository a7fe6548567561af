package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/talkgate/internal/model"
	"github.com/hitoshi/talkgate/internal/ratelimit"
)

// RejectionRecorder はレート制限による拒否を記録するインターフェース。
type RejectionRecorder interface {
	RecordRateLimitRejection()
}

// NewRateLimitMiddleware は共有ストア方式のレート制限ミドルウェアを返す。
// クライアントIPをキーとしてlimiterの許可判定を行い、拒否時は
// Retry-Afterヘッダー付きの429を返す。recorderはnil可。
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, recorder RejectionRecorder, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)

			result := limiter.Check(r.Context(), key)
			if !result.Allowed {
				logger.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("path", r.URL.Path),
					slog.Int("retry_after_sec", result.RetryAfterSeconds),
				)
				if recorder != nil {
					recorder.RecordRateLimitRejection()
				}

				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
				WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
					Code:     "RATE_LIMIT_EXCEEDED",
					Message:  "リクエストが多すぎます。",
					Category: "system",
					Action:   "時間をおいてから再度お試しください。",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP はリクエスト元のクライアントIPを決定する。
// 信頼できるリバースプロキシ配下での運用を前提に、X-Forwarded-Forの
// 先頭エントリを優先する。取得できない場合はRemoteAddrのホスト部、
// それも不正な場合は"unknown"を返す。
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}
