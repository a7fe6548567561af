// Package autothread はチャンネルをポーリングして投稿ごとに
// ディスカッションスレッドを冪等に作成するバックグラウンドジョブを提供する。
// スケジューラ、コンテンツゲート、クレームによる重複排除を含む。
package autothread

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/talkgate/internal/chat"
)

// topicTag はチャンネルトピックに埋め込むオプトインタグ。
// "[autothread]" または "[autothread:修飾子]" の形式で、大文字小文字を区別しない。
const topicTag = "[autothread"

// スキップ理由の定数。processed_messagesのskip_reasonに記録される。
const (
	SkipReasonBotAuthor     = "bot_author"
	SkipReasonHasThread     = "has_thread"
	SkipReasonTooShort      = "too_short"
	SkipReasonCommandPrefix = "command_prefix"
	SkipReasonEmojiOnly     = "emoji_only"
	SkipReasonLinkOnly      = "link_only"
	SkipReasonMentionOnly   = "mention_only"
)

// commandPrefixes はボットコマンドとみなす先頭文字。
var commandPrefixes = []string{"!", "/", "."}

var (
	// customEmojiRe はプラットフォーム固有のカスタム絵文字表記にマッチする。
	customEmojiRe = regexp.MustCompile(`<a?:\w+:\d+>`)
	// unicodeEmojiRe は主要な絵文字コードポイント範囲にマッチする。
	unicodeEmojiRe = regexp.MustCompile(`[\x{1F000}-\x{1FAFF}\x{2600}-\x{27BF}\x{2190}-\x{21FF}\x{FE0F}\x{200D}\x{20E3}\x{2B00}-\x{2BFF}]`)
	// linkOnlyRe はURLのみで構成された投稿にマッチする。
	linkOnlyRe = regexp.MustCompile(`^(?:https?://\S+\s*)+$`)
	// mentionOnlyRe はメンションのみで構成された投稿にマッチする。
	mentionOnlyRe = regexp.MustCompile(`^(?:<[@#][!&]?\d+>\s*|@everyone\s*|@here\s*)+$`)
	// whitespaceRe は連続する空白文字にマッチする。
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// ParseTopicTag はチャンネルトピックからオプトインタグを解析する。
// enabledはタグの有無、quietは":quiet"修飾子の有無を返す。
// quietは要約の投稿のみを抑制し、スレッド作成自体は行われる。
func ParseTopicTag(topic string) (enabled bool, quiet bool) {
	lower := strings.ToLower(topic)
	idx := strings.Index(lower, topicTag)
	if idx < 0 {
		return false, false
	}
	rest := lower[idx+len(topicTag):]
	end := strings.Index(rest, "]")
	if end < 0 {
		return false, false
	}
	modifier := rest[:end]
	if modifier == "" {
		return true, false
	}
	if strings.HasPrefix(modifier, ":") {
		return true, strings.TrimPrefix(modifier, ":") == "quiet"
	}
	// "[autothreadxxx]" のような別タグは対象外
	return false, false
}

// CollapseWhitespace は連続する空白を1つのスペースにまとめ、前後を取り除く。
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// EvaluateGates はメッセージをコンテンツゲートで評価する。
// 全ゲートを通過した場合はok=trueを返す。
// 不合格の場合はok=falseと最初に失敗したゲートのスキップ理由を返す。
// どのゲートも互いに独立であり、不合格はリトライ対象ではない。
func EvaluateGates(msg chat.Message, minContentLen int) (skipReason string, ok bool) {
	if msg.Author.IsBot {
		return SkipReasonBotAuthor, false
	}
	if msg.HasThread {
		return SkipReasonHasThread, false
	}

	content := CollapseWhitespace(msg.Content)

	if utf8.RuneCountInString(content) < minContentLen {
		return SkipReasonTooShort, false
	}

	for _, prefix := range commandPrefixes {
		if strings.HasPrefix(content, prefix) {
			return SkipReasonCommandPrefix, false
		}
	}

	if isEmojiOnly(content) {
		return SkipReasonEmojiOnly, false
	}
	if linkOnlyRe.MatchString(content) {
		return SkipReasonLinkOnly, false
	}
	if mentionOnlyRe.MatchString(content) {
		return SkipReasonMentionOnly, false
	}

	return "", true
}

// isEmojiOnly はカスタム絵文字・Unicode絵文字・空白を除いた残りが
// 空になるかを判定する。
func isEmojiOnly(content string) bool {
	if content == "" {
		return false
	}
	stripped := customEmojiRe.ReplaceAllString(content, "")
	stripped = unicodeEmojiRe.ReplaceAllString(stripped, "")
	stripped = strings.TrimSpace(stripped)
	return stripped == ""
}
