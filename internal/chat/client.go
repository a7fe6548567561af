package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	// codeThreadAlreadyExists はプラットフォームが返す
	// 「このメッセージには既にスレッドが存在する」エラーコード。
	codeThreadAlreadyExists = 160004
	// maxRetryAfter は429応答のretry_afterに従って待機する時間の上限。
	// これを超える指示はリトライせずエラーとして返す。
	maxRetryAfter = 10 * time.Second
	// channelTypeText はテキストチャンネルを表すチャンネル種別。
	channelTypeText = 0
)

// ErrThreadExists は対象メッセージに既にスレッドが存在することを表す。
// 呼び出し元はこのエラーを成功と同等に扱える（冪等性の観点で作成済み）。
var ErrThreadExists = errors.New("対象メッセージには既にスレッドが存在します")

// APIError はチャットプラットフォームAPIのエラー応答を表す。
type APIError struct {
	Status  int
	Code    int
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("chat API error: status=%d code=%d message=%s", e.Status, e.Code, e.Message)
}

// Client はチャットプラットフォーム操作のインターフェース。
// 本番実装(RESTClient)とドライラン用のNoopClientの2種類があり、
// 構築時に1回だけ選択される。ビジネスロジック内での分岐は行わない。
type Client interface {
	// ListChannels はギルド内のテキストチャンネル一覧を返す。
	ListChannels(ctx context.Context) ([]Channel, error)

	// ListMessages はチャンネルのメッセージをbeforeIDより古い方向へ
	// 最大limit件取得する。結果は新しい順で返る。
	// beforeIDが空の場合は最新のメッセージから取得する。
	ListMessages(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error)

	// CreateThread は指定メッセージを起点にスレッドを作成し、スレッドIDを返す。
	// 既にスレッドが存在する場合はErrThreadExistsを返す。
	CreateThread(ctx context.Context, channelID, messageID, name string, autoArchiveMinutes int) (string, error)

	// PostMessage はチャンネルへメッセージを送信し、メッセージIDを返す。
	PostMessage(ctx context.Context, channelID, content string) (string, error)

	// CreateChannel はテキストチャンネルを作成する。
	CreateChannel(ctx context.Context, name, topic string) (Channel, error)

	// CreateInvite はチャンネルへの招待URLを生成する。
	CreateInvite(ctx context.Context, channelID string, maxAge time.Duration) (string, error)
}

// StatusRecorder はAPIレスポンスのステータスコードを記録するインターフェース。
type StatusRecorder interface {
	RecordChatAPIStatus(statusCode int)
}

// RESTClient はチャットプラットフォームREST APIの本番実装。
// 送信レートはx/time/rateのリミッターで平準化し、429応答には
// サーバー指定のretry_afterに従って1回だけリトライする。
type RESTClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	recorder   StatusRecorder // nil可
	baseURL    string         // テスト用にエンドポイントを差し替え可能
	inviteBase string
	token      string
	guildID    string
}

// RESTConfig はRESTClientの設定を保持する。
type RESTConfig struct {
	BaseURL    string
	BotToken   string
	GuildID    string
	RatePerSec float64
}

// NewRESTClient はRESTClientの新しいインスタンスを生成する。
func NewRESTClient(httpClient *http.Client, logger *slog.Logger, cfg RESTConfig) *RESTClient {
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	return &RESTClient{
		httpClient: httpClient,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(perSec), 1),
		baseURL:    cfg.BaseURL,
		inviteBase: "https://discord.gg/",
		token:      cfg.BotToken,
		guildID:    cfg.GuildID,
	}
}

// SetStatusRecorder はAPIステータスコードの記録先を設定する。
func (c *RESTClient) SetStatusRecorder(r StatusRecorder) {
	c.recorder = r
}

// --- ワイヤフォーマット ---

type wireChannel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Topic string `json:"topic"`
	Type  int    `json:"type"`
}

type wireAuthor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

type wireThread struct {
	ID string `json:"id"`
}

type wireMessage struct {
	ID        string      `json:"id"`
	Author    wireAuthor  `json:"author"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Thread    *wireThread `json:"thread"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireRateLimit struct {
	RetryAfter float64 `json:"retry_after"`
}

// ListChannels はギルド内のテキストチャンネル一覧を返す。
func (c *RESTClient) ListChannels(ctx context.Context) ([]Channel, error) {
	var wires []wireChannel
	path := fmt.Sprintf("/guilds/%s/channels", c.guildID)
	if err := c.do(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, fmt.Errorf("チャンネル一覧の取得に失敗しました: %w", err)
	}

	channels := make([]Channel, 0, len(wires))
	for _, w := range wires {
		if w.Type != channelTypeText {
			continue
		}
		channels = append(channels, Channel{ID: w.ID, Name: w.Name, Topic: w.Topic})
	}
	return channels, nil
}

// ListMessages はチャンネルのメッセージを新しい順で最大limit件取得する。
func (c *RESTClient) ListMessages(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if beforeID != "" {
		q.Set("before", beforeID)
	}

	var wires []wireMessage
	path := fmt.Sprintf("/channels/%s/messages?%s", channelID, q.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}

	messages := make([]Message, 0, len(wires))
	for _, w := range wires {
		messages = append(messages, Message{
			ID:        w.ID,
			Author:    Author{ID: w.Author.ID, Name: w.Author.Username, IsBot: w.Author.Bot},
			Content:   w.Content,
			Timestamp: w.Timestamp,
			HasThread: w.Thread != nil,
		})
	}
	return messages, nil
}

// CreateThread は指定メッセージを起点にスレッドを作成する。
func (c *RESTClient) CreateThread(ctx context.Context, channelID, messageID, name string, autoArchiveMinutes int) (string, error) {
	body := map[string]any{
		"name":                  name,
		"auto_archive_duration": autoArchiveMinutes,
	}

	var created struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/channels/%s/messages/%s/threads", channelID, messageID)
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeThreadAlreadyExists {
			return "", ErrThreadExists
		}
		return "", fmt.Errorf("スレッドの作成に失敗しました: %w", err)
	}
	return created.ID, nil
}

// PostMessage はチャンネルへメッセージを送信する。
func (c *RESTClient) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	body := map[string]any{"content": content}

	var created struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return "", fmt.Errorf("メッセージの送信に失敗しました: %w", err)
	}
	return created.ID, nil
}

// CreateChannel はギルドにテキストチャンネルを作成する。
func (c *RESTClient) CreateChannel(ctx context.Context, name, topic string) (Channel, error) {
	body := map[string]any{
		"name":  name,
		"topic": topic,
		"type":  channelTypeText,
	}

	var created wireChannel
	path := fmt.Sprintf("/guilds/%s/channels", c.guildID)
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return Channel{}, fmt.Errorf("チャンネルの作成に失敗しました: %w", err)
	}
	return Channel{ID: created.ID, Name: created.Name, Topic: created.Topic}, nil
}

// CreateInvite はチャンネルへの招待URLを生成する。
func (c *RESTClient) CreateInvite(ctx context.Context, channelID string, maxAge time.Duration) (string, error) {
	body := map[string]any{
		"max_age":  int(maxAge.Seconds()),
		"max_uses": 0,
		"unique":   true,
	}

	var created struct {
		Code string `json:"code"`
	}
	path := fmt.Sprintf("/channels/%s/invites", channelID)
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return "", fmt.Errorf("招待リンクの作成に失敗しました: %w", err)
	}
	return c.inviteBase + created.Code, nil
}

// do はHTTPリクエストを1回実行する。送信前にレートリミッターで平準化し、
// 429応答にはretry_afterに従って1回だけリトライする。
// 2xx以外の応答はAPIErrorとして返す。
func (c *RESTClient) do(ctx context.Context, method, path string, body any, out any) error {
	retried := false

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("レートリミッター待機中にキャンセルされました: %w", err)
		}

		var reqBody io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
			}
			reqBody = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		req.Header.Set("User-Agent", "Talkgate/1.0")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("HTTPリクエストに失敗しました: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
		}

		if c.recorder != nil {
			c.recorder.RecordChatAPIStatus(resp.StatusCode)
		}

		// 429: サーバー指定の待機時間に従って1回だけリトライする
		if resp.StatusCode == http.StatusTooManyRequests {
			delay := parseRetryAfter(resp.Header, respBody)
			c.logger.Warn("チャットAPIがレート制限を返しました",
				slog.String("path", path),
				slog.Float64("retry_after_sec", delay.Seconds()),
				slog.Bool("will_retry", !retried && delay <= maxRetryAfter),
			)
			if retried || delay > maxRetryAfter {
				return &APIError{Status: resp.StatusCode, Message: "rate limited"}
			}
			retried = true
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var we wireError
			// エラーボディの解析失敗は握りつぶしてステータスのみ返す
			_ = json.Unmarshal(respBody, &we)
			return &APIError{Status: resp.StatusCode, Code: we.Code, Message: we.Message}
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("レスポンスJSONの解析に失敗しました: %w", err)
			}
		}
		return nil
	}
}

// parseRetryAfter は429応答から待機時間を取り出す。
// JSONボディのretry_after（秒、小数）を優先し、なければRetry-Afterヘッダーを使う。
// どちらも無い場合は1秒を返す。
func parseRetryAfter(header http.Header, body []byte) time.Duration {
	var rl wireRateLimit
	if err := json.Unmarshal(body, &rl); err == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second))
	}
	if v := header.Get("Retry-After"); v != "" {
		if sec, err := strconv.ParseFloat(v, 64); err == nil && sec > 0 {
			return time.Duration(sec * float64(time.Second))
		}
	}
	return time.Second
}
