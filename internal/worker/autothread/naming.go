package autothread

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/talkgate/internal/chat"
)

// maxThreadNameLen はプラットフォームのスレッド名の最大長（文字数）。
const maxThreadNameLen = 100

// DeterministicName はメッセージ内容から決定論的にスレッド名を導出する。
// 空白をまとめた内容を最大長まで切り詰めて使用し、内容が命名に適さない
// 場合（空、URLのみ等）は「{投稿者}さんの投稿 (HH:MM)」形式にフォールバックする。
func DeterministicName(msg chat.Message) string {
	content := CollapseWhitespace(msg.Content)

	// URLやメンションだけの内容は名前として不適
	if content == "" || linkOnlyRe.MatchString(content) || mentionOnlyRe.MatchString(content) || isEmojiOnly(content) {
		return fallbackName(msg)
	}

	return TruncateRunes(content, maxThreadNameLen)
}

// fallbackName は投稿者名と時刻からスレッド名を組み立てる。
func fallbackName(msg chat.Message) string {
	author := strings.TrimSpace(msg.Author.Name)
	if author == "" {
		author = "名無し"
	}
	name := fmt.Sprintf("%sさんの投稿 (%s)", author, msg.Timestamp.Format("15:04"))
	return TruncateRunes(name, maxThreadNameLen)
}

// TruncateRunes は文字列を最大n文字（rune単位）に切り詰める。
// 切り詰めが発生した場合は末尾を省略記号に置き換える。
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
