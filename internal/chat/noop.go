package chat

import (
	"context"
	"log/slog"
	"time"
)

// NoopClient は外部呼び出しを一切行わないClient実装。
// dry_runモードで使用され、実行されるはずだった操作をログに残す。
// 読み取り系の操作は空の結果を返す。
type NoopClient struct {
	logger *slog.Logger
}

// NewNoopClient はNoopClientの新しいインスタンスを生成する。
func NewNoopClient(logger *slog.Logger) *NoopClient {
	return &NoopClient{logger: logger}
}

// ListChannels は空のチャンネル一覧を返す。
func (c *NoopClient) ListChannels(ctx context.Context) ([]Channel, error) {
	c.logger.Info("noop: ListChannels")
	return nil, nil
}

// ListMessages は空のメッセージ一覧を返す。
func (c *NoopClient) ListMessages(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error) {
	c.logger.Info("noop: ListMessages",
		slog.String("channel_id", channelID),
		slog.String("before_id", beforeID),
	)
	return nil, nil
}

// CreateThread は何もせずダミーのスレッドIDを返す。
func (c *NoopClient) CreateThread(ctx context.Context, channelID, messageID, name string, autoArchiveMinutes int) (string, error) {
	c.logger.Info("noop: CreateThread",
		slog.String("channel_id", channelID),
		slog.String("message_id", messageID),
		slog.String("name", name),
	)
	return "", nil
}

// PostMessage は何もせずダミーのメッセージIDを返す。
func (c *NoopClient) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	c.logger.Info("noop: PostMessage",
		slog.String("channel_id", channelID),
		slog.Int("content_len", len(content)),
	)
	return "", nil
}

// CreateChannel は何もせず空のチャンネルを返す。
func (c *NoopClient) CreateChannel(ctx context.Context, name, topic string) (Channel, error) {
	c.logger.Info("noop: CreateChannel",
		slog.String("name", name),
	)
	return Channel{Name: name, Topic: topic}, nil
}

// CreateInvite は何もせず空のURLを返す。
func (c *NoopClient) CreateInvite(ctx context.Context, channelID string, maxAge time.Duration) (string, error) {
	c.logger.Info("noop: CreateInvite",
		slog.String("channel_id", channelID),
	)
	return "", nil
}
