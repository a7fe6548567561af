package model

import "time"

// ChannelCursor はチャンネルごとのポーリング位置と適格性メタデータを表す。
// LastSeenMessageIDは終端状態まで処理済みのメッセージIDの最大値であり、
// 前進のみ許される。
type ChannelCursor struct {
	ChannelID         string
	DisplayName       string
	Topic             string
	LastSeenMessageID string
	UpdatedAt         time.Time
}

// ProcessedStatus は処理済みメッセージレコードの状態を表す。
type ProcessedStatus string

const (
	// StatusProcessing はクレーム直後の中間状態。
	StatusProcessing ProcessedStatus = "processing"
	// StatusCreated はスレッド作成に成功した終端状態。
	StatusCreated ProcessedStatus = "created"
	// StatusSkipped はゲート不合格により処理対象外とした終端状態。
	StatusSkipped ProcessedStatus = "skipped"
	// StatusError は外部呼び出し失敗の終端状態。
	StatusError ProcessedStatus = "error"
	// StatusDryRun はdry_runモードでクレームのみ行った状態。
	StatusDryRun ProcessedStatus = "dry_run"
)

// ProcessedMessage は(channel_id, message_id)を複合キーとする処理済みレコード。
// 複合キーの一意制約が冪等性の同期プリミティブとして機能する。
type ProcessedMessage struct {
	ChannelID   string
	MessageID   string
	Status      ProcessedStatus
	ThreadID    string
	ErrorDetail string
	SkipReason  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AutothreadRun は自動スレッド化ジョブ1回分の実行結果を表す。
// 運用上の可視化のためだけに記録され、正しさには関与しない。
type AutothreadRun struct {
	ID              string
	Mode            string
	ChannelsScanned int
	Processed       int
	Created         int
	Skipped         int
	Errors          int
	LastError       string
	StartedAt       time.Time
	FinishedAt      time.Time
}
