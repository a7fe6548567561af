package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, submission, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_FAILED"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
	ErrCodeChannelCreation    = "CHANNEL_CREATION_FAILED"
	ErrCodeSubmissionNotFound = "SUBMISSION_NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", detail),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewInvalidURLError は参考URLの検証エラーを生成する。
func NewInvalidURLError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("参考URLが不正です: %s", url),
		Category: "validation",
		Action:   "http/httpsの公開URLを指定してください。",
	}
}

// NewSSRFBlockedError は参考URLへの安全なアクセスが確認できない場合のエラーを生成する。
func NewSSRFBlockedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  fmt.Sprintf("参考URLへのアクセスが確認できませんでした: %s", url),
		Category: "validation",
		Action:   "外部から到達可能な公開URLを指定してください。",
	}
}

// NewChannelCreationError はチャンネル作成失敗エラーを生成する。
func NewChannelCreationError() *APIError {
	return &APIError{
		Code:     ErrCodeChannelCreation,
		Message:  "ディスカッションチャンネルの作成に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
