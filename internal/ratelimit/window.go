package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DecodeWindow はJSONエンコードされたタイムスタンプ列（エポックミリ秒）を
// 復元する。空文字列は空ウィンドウとして扱う。
func DecodeWindow(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var timestamps []int64
	if err := json.Unmarshal([]byte(raw), &timestamps); err != nil {
		return nil, fmt.Errorf("ウィンドウJSONの解析に失敗しました: %w", err)
	}
	return timestamps, nil
}

// EncodeWindow はタイムスタンプ列をJSONエンコードする。
// nilスライスも空配列として出力し、復元可能な形を保つ。
func EncodeWindow(timestamps []int64) string {
	if len(timestamps) == 0 {
		return "[]"
	}
	b, err := json.Marshal(timestamps)
	if err != nil {
		// int64スライスのMarshalは失敗しない
		return "[]"
	}
	return string(b)
}

// FilterRecent はwindowStart以降のタイムスタンプのみを残す。
func FilterRecent(timestamps []int64, windowStart time.Time) []int64 {
	startMs := windowStart.UnixMilli()
	var recent []int64
	for _, ts := range timestamps {
		if ts >= startMs {
			recent = append(recent, ts)
		}
	}
	return recent
}

// RetryAfterSeconds は最も古い計上済みタイムスタンプがウィンドウを
// 抜けるまでの秒数を返す（切り上げ、最小1）。
func RetryAfterSeconds(recent []int64, now time.Time, window time.Duration) int {
	if len(recent) == 0 {
		return 1
	}
	oldest := recent[0]
	for _, ts := range recent[1:] {
		if ts < oldest {
			oldest = ts
		}
	}
	remainingMs := oldest + window.Milliseconds() - now.UnixMilli()
	sec := int(math.Ceil(float64(remainingMs) / 1000.0))
	if sec < 1 {
		return 1
	}
	return sec
}
