// Package model はドメインモデルを定義する。
package model

import "time"

// Submission は登壇応募を表す。
type Submission struct {
	ID           string
	SpeakerName  string
	Email        string
	Title        string
	Abstract     string
	ReferenceURL string
	ChannelID    string
	InviteURL    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
