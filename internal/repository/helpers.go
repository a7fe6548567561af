package repository

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// ErrLockContention は行ロックの競合を表す。
// 呼び出し元はバックオフ付きリトライまたはフェイルオープンを判断する。
var ErrLockContention = errors.New("行ロックの競合が発生しました")

// nullStringValue はsql.NullStringから値を取り出す。無効な場合は空文字を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// isLockNotAvailable はPostgreSQLのロック取得失敗系エラーかを判定する。
// 55P03 (lock_not_available) はFOR UPDATE NOWAITの失敗、
// 40P01 (deadlock_detected) / 40001 (serialization_failure) もリトライ可能として扱う。
func isLockNotAvailable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "55P03", "40P01", "40001":
		return true
	}
	return false
}

// isUniqueViolation はPostgreSQLの一意制約違反 (23505) かを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505"
}
