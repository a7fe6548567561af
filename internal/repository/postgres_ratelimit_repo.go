package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRateLimitRepo はPostgreSQLを使用したレート制限リポジトリ。
// 複数のサーバーインスタンスが同一のカウンタを共有できるよう、
// read-modify-writeを1トランザクション内の行ロックで直列化する。
type PostgresRateLimitRepo struct {
	db *sql.DB
}

// NewPostgresRateLimitRepo はPostgresRateLimitRepoを生成する。
func NewPostgresRateLimitRepo(db *sql.DB) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{db: db}
}

// Mutate はキーのウィンドウ文字列を排他的に読み書きする。
// FOR UPDATE NOWAITで即座にロック取得を試み、取得できない場合は
// 待たずにErrLockContentionを返す（read-modify-writeは短いため、
// 待機よりも呼び出し元のバックオフ付きリトライに委ねる）。
func (r *PostgresRateLimitRepo) Mutate(ctx context.Context, key string, fn func(rawWindow string) (string, error)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// 行が存在しない場合は空ウィンドウで作成する
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limits (key, request_timestamps, last_updated)
		 VALUES ($1, '[]', now())
		 ON CONFLICT (key) DO NOTHING`,
		key,
	); err != nil {
		if isLockNotAvailable(err) || isUniqueViolation(err) {
			return ErrLockContention
		}
		return fmt.Errorf("レート制限行の作成に失敗しました: %w", err)
	}

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT request_timestamps FROM rate_limits WHERE key = $1 FOR UPDATE NOWAIT`,
		key,
	).Scan(&raw)
	if err != nil {
		if isLockNotAvailable(err) {
			return ErrLockContention
		}
		return fmt.Errorf("レート制限行のロック取得に失敗しました: %w", err)
	}

	newRaw, err := fn(raw)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rate_limits SET request_timestamps = $2, last_updated = now() WHERE key = $1`,
		key, newRaw,
	); err != nil {
		return fmt.Errorf("レート制限行の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isLockNotAvailable(err) {
			return ErrLockContention
		}
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return nil
}

// DeleteStale はlast_updatedがcutoffより古い行を削除する。
// レート制限ロジック自体は行を削除しないため、保持期間の管理はこのメソッドに委ねられる。
func (r *PostgresRateLimitRepo) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE last_updated < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古いレート制限行の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}
