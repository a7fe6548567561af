package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/talkgate/internal/middleware"
	"github.com/hitoshi/talkgate/internal/ratelimit"
)

// Pinger はヘルスチェックで使用するDB疎通確認のインターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	AdminToken        string
	RateLimiter       *ratelimit.Limiter
	RejectionRecorder middleware.RejectionRecorder
	Logger            *slog.Logger

	// 応募
	SubmissionService SubmissionServiceInterface

	// 自動スレッド化
	AutothreadRunner AutothreadRunnerInterface
	RunHistory       RunHistoryInterface

	// 運用
	DB             Pinger
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → Logging → Recovery → SecurityHeaders
//
// その上で応募受付にはレート制限、管理系ルートにはトークン認証を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())

	submissionHandler := NewSubmissionHandler(deps.SubmissionService)
	adminHandler := NewAdminHandler(deps.SubmissionService, deps.AutothreadRunner, deps.RunHistory)

	// --- 公開ルート ---

	// 応募受付（IP単位のレート制限付き）
	r.With(middleware.NewRateLimitMiddleware(deps.RateLimiter, deps.RejectionRecorder, deps.Logger)).
		Post("/api/submissions", submissionHandler.Submit)

	// --- 管理系ルート（トークン認証） ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAdminTokenMiddleware(deps.AdminToken))

		r.Get("/api/admin/submissions", adminHandler.ListSubmissions)
		r.Post("/api/admin/autothread/run", adminHandler.TriggerAutothreadRun)
		r.Get("/api/admin/autothread/runs", adminHandler.ListAutothreadRuns)
	})

	// --- 運用ルート ---

	r.Get("/healthz", healthzHandler(deps.DB))

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	return r
}

// healthzHandler はDBへの疎通確認を行うヘルスチェックハンドラーを返す。
func healthzHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
