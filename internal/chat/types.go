// Package chat はチャットプラットフォームREST APIのクライアントを提供する。
// プラットフォームの内部仕様には踏み込まず、チャンネル一覧・メッセージ一覧・
// スレッド作成・メッセージ送信・招待リンク作成の呼び出し契約のみを扱う。
package chat

import "time"

// Channel はポーリング対象となるチャンネルを表す。
type Channel struct {
	ID    string
	Name  string
	Topic string
}

// Author はメッセージの投稿者を表す。
type Author struct {
	ID    string
	Name  string
	IsBot bool
}

// Message はチャンネル内の1メッセージを表す。
// IDはsnowflake形式の10進数文字列で、数値として大きいほど新しい。
type Message struct {
	ID        string
	Author    Author
	Content   string
	Timestamp time.Time
	// HasThread はこのメッセージに既にスレッドが紐づいているかを示す。
	HasThread bool
}

// CompareIDs はsnowflake形式のメッセージIDを数値として比較する。
// a < b なら負、a == b なら0、a > b なら正を返す。
// 10進数文字列は桁数が多い方が大きく、同桁数なら辞書順比較が数値比較と一致する。
func CompareIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IDNewer はaがbより新しい（数値として大きい）かを返す。
// bが空文字の場合は常にtrueを返す（カーソル未設定の扱い）。
func IDNewer(a, b string) bool {
	if b == "" {
		return a != ""
	}
	if a == "" {
		return false
	}
	return CompareIDs(a, b) > 0
}
