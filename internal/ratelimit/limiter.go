// Package ratelimit は共有ストアを利用したスライディングウィンドウ方式の
// レート制限を提供する。
//
// 固定バケット方式はバケット境界で最大2倍のバーストを許すため、
// 低い上限値（デフォルト15分あたり10リクエスト）での悪用防止には
// 厳密なスライディングウィンドウを採用する。
// カウンタはPostgreSQLに永続化され、複数のサーバーインスタンス間で
// 同一の判定が保証される。
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/talkgate/internal/repository"
)

const (
	// maxAttempts はロック競合時のリトライ上限回数。
	maxAttempts = 3
	// initialBackoff はロック競合リトライの初回待機時間。
	initialBackoff = 50 * time.Millisecond
)

// Config はレート制限の設定を保持する。
// 両フィールドとも必須であり、デフォルト値はこのパッケージでは持たない
// （デフォルトは設定レイヤの責務）。
type Config struct {
	MaxRequests int           // ウィンドウ内の最大許可リクエスト数
	Window      time.Duration // ウィンドウ幅
}

// Result は許可判定の結果を表す。
type Result struct {
	Allowed bool
	// RetryAfterSeconds は拒否時のみ設定される。最も古い計上済み
	// タイムスタンプがウィンドウを抜けるまでの秒数（切り上げ、最小1）。
	RetryAfterSeconds int
}

// Limiter はキー単位のスライディングウィンドウレート制限器。
// ストア障害時はフェイルオープンし、呼び出し元にエラーを返さない。
// レート制限は悪用防止のヒューリスティックであり、本体サービスの
// 可用性を損なってまで厳密さを保証する価値はない。
type Limiter struct {
	store  repository.RateLimitRepository
	logger *slog.Logger
	config Config

	// sleep はテストで待機を差し替えるためのフック。
	sleep func(ctx context.Context, d time.Duration)
}

// NewLimiter はLimiterの新しいインスタンスを生成する。
// MaxRequestsまたはWindowが正でない場合はエラーを返す。
func NewLimiter(store repository.RateLimitRepository, logger *slog.Logger, config Config) (*Limiter, error) {
	if config.MaxRequests <= 0 {
		return nil, errors.New("MaxRequestsは正の整数を指定してください")
	}
	if config.Window <= 0 {
		return nil, errors.New("Windowは正の時間幅を指定してください")
	}
	return &Limiter{
		store:  store,
		logger: logger,
		config: config,
		sleep:  sleepWithContext,
	}, nil
}

// Check はキーに対するリクエストの許可判定を行う。
// 許可時は現在時刻をウィンドウに追記して永続化し、拒否時は追記しない
// （last_updatedはどちらの場合も更新される）。
// ロック競合時はバックオフ付きで最大3回リトライし、それでも完了
// しない場合はフェイルオープンで許可を返す。
func (l *Limiter) Check(ctx context.Context, key string) Result {
	var res Result

	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := l.store.Mutate(ctx, key, func(raw string) (string, error) {
			now := time.Now()

			timestamps, parseErr := DecodeWindow(raw)
			if parseErr != nil {
				// 壊れたウィンドウは空として扱い、次の書き込みで自己修復する
				l.logger.Warn("レート制限ウィンドウの解析に失敗したため空として扱います",
					slog.String("key", key),
					slog.String("error", parseErr.Error()),
				)
				timestamps = nil
			}

			recent := FilterRecent(timestamps, now.Add(-l.config.Window))

			if len(recent) >= l.config.MaxRequests {
				res = Result{
					Allowed:           false,
					RetryAfterSeconds: RetryAfterSeconds(recent, now, l.config.Window),
				}
				return EncodeWindow(recent), nil
			}

			recent = append(recent, now.UnixMilli())
			res = Result{Allowed: true}
			return EncodeWindow(recent), nil
		})

		if err == nil {
			return res
		}

		if errors.Is(err, repository.ErrLockContention) {
			l.logger.Warn("レート制限行のロック競合が発生しました",
				slog.String("key", key),
				slog.Int("attempt", attempt),
			)
			if attempt < maxAttempts {
				l.sleep(ctx, backoff)
				backoff *= 2
			}
			continue
		}

		// 競合以外のストアエラーは即フェイルオープン
		l.logger.Warn("レート制限チェックがストアエラーによりフェイルオープンしました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return Result{Allowed: true}
	}

	l.logger.Warn("レート制限チェックがリトライ上限に達したためフェイルオープンしました",
		slog.String("key", key),
		slog.Int("max_attempts", maxAttempts),
	)
	return Result{Allowed: true}
}

// sleepWithContext はコンテキストのキャンセルを尊重して待機する。
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
