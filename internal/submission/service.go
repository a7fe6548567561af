// Package submission は登壇応募の受付フローを提供する。
// 応募の保存、ディスカッションチャンネルと招待リンクの作成、
// 告知チャンネルへの通知までを1つのサービスとしてまとめる。
package submission

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/talkgate/internal/chat"
	"github.com/hitoshi/talkgate/internal/model"
	"github.com/hitoshi/talkgate/internal/repository"
	"github.com/hitoshi/talkgate/internal/security"
)

const (
	maxSpeakerNameLen = 100
	maxTitleLen       = 200
	maxAbstractLen    = 4000
	maxChannelNameLen = 90
	// inviteMaxAge は招待リンクの有効期間。
	inviteMaxAge = 7 * 24 * time.Hour
)

// URLValidator は参考URLの静的検証のインターフェース。
// internal/securityのSSRFガードの部分集合として定義する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// SubmissionRecorder は応募の受付を記録するインターフェース。
type SubmissionRecorder interface {
	RecordSubmission()
}

// Input は応募フォームの入力内容を表す。
type Input struct {
	SpeakerName  string `json:"speaker_name"`
	Email        string `json:"email"`
	Title        string `json:"title"`
	Abstract     string `json:"abstract"`
	ReferenceURL string `json:"reference_url"`
}

// Result は受付完了時に呼び出し元へ返す情報。
type Result struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	InviteURL string `json:"invite_url"`
}

// Service は応募受付のオーケストレーションを行う。
// チャンネル作成までは必須の処理として失敗を呼び出し元へ返し、
// 通知系の処理はベストエフォートで行う。
type Service struct {
	repo              repository.SubmissionRepository
	chatClient        chat.Client
	sanitizer         security.ContentSanitizerService
	urlValidator      URLValidator
	safeClient        *http.Client       // nil可
	recorder          SubmissionRecorder // nil可
	logger            *slog.Logger
	announceChannelID string
}

// NewService はServiceの新しいインスタンスを生成する。
// announceChannelIDが空の場合、告知チャンネルへの通知は行わない。
func NewService(
	repo repository.SubmissionRepository,
	chatClient chat.Client,
	sanitizer security.ContentSanitizerService,
	urlValidator URLValidator,
	recorder SubmissionRecorder,
	logger *slog.Logger,
	announceChannelID string,
) *Service {
	return &Service{
		repo:              repo,
		chatClient:        chatClient,
		sanitizer:         sanitizer,
		urlValidator:      urlValidator,
		recorder:          recorder,
		logger:            logger,
		announceChannelID: announceChannelID,
	}
}

// SetSafeClient は参考URLの到達性確認に使用するSSRF防止付きHTTPクライアントを設定する。
// 未設定の場合、到達性確認は静的検証のみにとどまる。
func (s *Service) SetSafeClient(c *http.Client) {
	s.safeClient = c
}

// Submit は応募を受け付ける。
// 検証 → 保存 → チャンネル作成 → 招待リンク作成 → 通知の順に処理し、
// チャンネル作成までの失敗は*model.APIErrorとして返す。
// 通知の失敗は警告ログのみ残して受付自体は成功として扱う。
func (s *Service) Submit(ctx context.Context, input Input) (*Result, error) {
	if apiErr := s.validate(input); apiErr != nil {
		return nil, apiErr
	}

	// 静的検証を通過した参考URLに対し、SSRF防止付きクライアントで
	// 到達性を確認する。safeurlはDNS解決後のIPアドレスも検証するため、
	// DNS再バインディングで静的検証をすり抜けるURLもここで弾かれる。
	if refURL := strings.TrimSpace(input.ReferenceURL); refURL != "" && s.safeClient != nil {
		if apiErr := s.checkReachable(ctx, refURL); apiErr != nil {
			return nil, apiErr
		}
	}

	sub := &model.Submission{
		ID:           uuid.NewString(),
		SpeakerName:  s.sanitizer.SanitizeText(input.SpeakerName),
		Email:        strings.TrimSpace(input.Email),
		Title:        s.sanitizer.SanitizeText(input.Title),
		Abstract:     s.sanitizer.SanitizeText(input.Abstract),
		ReferenceURL: strings.TrimSpace(input.ReferenceURL),
	}

	if err := s.repo.Create(ctx, sub); err != nil {
		s.logger.Error("応募の保存に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("応募の保存に失敗しました: %w", err)
	}

	channel, err := s.chatClient.CreateChannel(ctx, channelNameFromTitle(sub.Title), fmt.Sprintf("登壇応募: %s", sub.Title))
	if err != nil {
		s.logger.Error("ディスカッションチャンネルの作成に失敗しました",
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewChannelCreationError()
	}

	inviteURL, err := s.chatClient.CreateInvite(ctx, channel.ID, inviteMaxAge)
	if err != nil {
		s.logger.Error("招待リンクの作成に失敗しました",
			slog.String("submission_id", sub.ID),
			slog.String("channel_id", channel.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewChannelCreationError()
	}

	if err := s.repo.UpdateChannelInfo(ctx, sub.ID, channel.ID, inviteURL); err != nil {
		s.logger.Error("チャンネル情報の更新に失敗しました",
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("チャンネル情報の更新に失敗しました: %w", err)
	}

	if s.recorder != nil {
		s.recorder.RecordSubmission()
	}

	// 通知はベストエフォート。失敗しても受付自体は成立している。
	s.notify(ctx, sub, channel.ID)

	s.logger.Info("応募を受け付けました",
		slog.String("submission_id", sub.ID),
		slog.String("channel_id", channel.ID),
	)

	return &Result{ID: sub.ID, ChannelID: channel.ID, InviteURL: inviteURL}, nil
}

// List は作成日時の降順で応募一覧を返す。
func (s *Service) List(ctx context.Context, limit int) ([]*model.Submission, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	subs, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("応募一覧の取得に失敗しました: %w", err)
	}
	return subs, nil
}

// validate は入力内容の検証を行い、不正な場合は*model.APIErrorを返す。
func (s *Service) validate(input Input) *model.APIError {
	name := strings.TrimSpace(input.SpeakerName)
	if name == "" {
		return model.NewValidationError("登壇者名は必須です")
	}
	if utf8.RuneCountInString(name) > maxSpeakerNameLen {
		return model.NewValidationError(fmt.Sprintf("登壇者名は%d文字以内で入力してください", maxSpeakerNameLen))
	}

	email := strings.TrimSpace(input.Email)
	if email == "" {
		return model.NewValidationError("メールアドレスは必須です")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return model.NewValidationError("メールアドレスの形式が不正です")
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return model.NewValidationError("タイトルは必須です")
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return model.NewValidationError(fmt.Sprintf("タイトルは%d文字以内で入力してください", maxTitleLen))
	}

	abstract := strings.TrimSpace(input.Abstract)
	if abstract == "" {
		return model.NewValidationError("概要は必須です")
	}
	if utf8.RuneCountInString(abstract) > maxAbstractLen {
		return model.NewValidationError(fmt.Sprintf("概要は%d文字以内で入力してください", maxAbstractLen))
	}

	if refURL := strings.TrimSpace(input.ReferenceURL); refURL != "" {
		if err := s.urlValidator.ValidateURL(refURL); err != nil {
			return model.NewInvalidURLError(refURL)
		}
	}

	return nil
}

// checkReachable は参考URLにHEADリクエストを送り、到達できることを確認する。
// トランスポート層の失敗（SSRFブロックを含む）のみを拒否の対象とし、
// HTTPステータスコードは問わない（HEADを405で断るサーバーを許容する）。
func (s *Service) checkReachable(ctx context.Context, rawURL string) *model.APIError {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return model.NewInvalidURLError(rawURL)
	}

	resp, err := s.safeClient.Do(req)
	if err != nil {
		s.logger.Warn("参考URLへの到達性確認に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return model.NewSSRFBlockedError(rawURL)
	}
	resp.Body.Close()
	return nil
}

// notify は告知チャンネルへの通知と新チャンネルへの案内投稿を行う。
// どちらもベストエフォートで、失敗は警告ログのみ残す。
func (s *Service) notify(ctx context.Context, sub *model.Submission, channelID string) {
	if s.announceChannelID != "" {
		text := fmt.Sprintf("新しい登壇応募が届きました\nタイトル: %s\n登壇者: %s", sub.Title, sub.SpeakerName)
		if _, err := s.chatClient.PostMessage(ctx, s.announceChannelID, text); err != nil {
			s.logger.Warn("告知チャンネルへの通知に失敗しました",
				slog.String("submission_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	welcome := fmt.Sprintf("%sさん、応募ありがとうございます!\nこちらは「%s」のディスカッションチャンネルです。\n\n%s", sub.SpeakerName, sub.Title, sub.Abstract)
	if _, err := s.chatClient.PostMessage(ctx, channelID, welcome); err != nil {
		s.logger.Warn("案内メッセージの投稿に失敗しました",
			slog.String("submission_id", sub.ID),
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
	}
}

// channelNameRe はチャンネル名として許可しない文字のパターン。
var channelNameRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// channelNameFromTitle はタイトルからチャンネル名を組み立てる。
// 英数字と文字以外はハイフンに置換し、小文字化して"talk-"を前置する。
func channelNameFromTitle(title string) string {
	name := channelNameRe.ReplaceAllString(strings.ToLower(title), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "submission"
	}
	name = "talk-" + name
	if utf8.RuneCountInString(name) > maxChannelNameLen {
		runes := []rune(name)
		name = strings.TrimRight(string(runes[:maxChannelNameLen]), "-")
	}
	return name
}
