// Package enrich はOpenAI APIを利用したスレッド名の文脈的生成を提供する。
// この機能はベストエフォートであり、失敗・タイムアウト・不正な応答は
// すべて呼び出し元で決定論的な命名にフォールバックされる前提で設計する。
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Suggestion はAIが生成したスレッド名と任意の要約を表す。
type Suggestion struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// OpenAINamer はOpenAI ChatCompletionを利用するスレッド命名器。
type OpenAINamer struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAINamer はOpenAINamerの新しいインスタンスを生成する。
// apiKeyが空の場合はエラーを返す（有効化判断は設定レイヤの責務）。
func NewOpenAINamer(apiKey, model string, timeout time.Duration) (*OpenAINamer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI APIキーが設定されていません")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &OpenAINamer{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
	}, nil
}

const systemPrompt = `あなたはチャットの投稿からディスカッションスレッドの名前を付けるアシスタントです。
与えられた投稿内容から、40文字以内の簡潔なスレッド名と、3行以内の要約を作ってください。
必ず次のJSONのみを出力してください: {"name": "...", "summary": "..."}`

// NameThread は対象メッセージと直近の文脈からスレッド名と要約を生成する。
// 応答が不正な場合やnameが空の場合はエラーを返す。
// 呼び出しは内部タイムアウトで打ち切られる。
func (n *OpenAINamer) NameThread(ctx context.Context, channelName string, recentContents []string, targetContent string) (Suggestion, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "チャンネル: %s\n", channelName)
	if len(recentContents) > 0 {
		sb.WriteString("直近の投稿:\n")
		for _, c := range recentContents {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	fmt.Fprintf(&sb, "対象の投稿:\n%s\n", targetContent)

	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(n.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(sb.String()),
		},
	})
	if err != nil {
		return Suggestion{}, fmt.Errorf("ChatCompletionの呼び出しに失敗しました: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Suggestion{}, fmt.Errorf("ChatCompletionの応答に候補が含まれていません")
	}

	suggestion, err := parseSuggestion(resp.Choices[0].Message.Content)
	if err != nil {
		return Suggestion{}, err
	}
	return suggestion, nil
}

// parseSuggestion はモデル出力からSuggestionを取り出す。
// コードフェンスで囲まれた応答も許容する。
func parseSuggestion(content string) (Suggestion, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var s Suggestion
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
		return Suggestion{}, fmt.Errorf("スレッド名応答の解析に失敗しました: %w", err)
	}
	if strings.TrimSpace(s.Name) == "" {
		return Suggestion{}, fmt.Errorf("スレッド名応答のnameが空です")
	}
	s.Name = strings.TrimSpace(s.Name)
	s.Summary = strings.TrimSpace(s.Summary)
	return s, nil
}
