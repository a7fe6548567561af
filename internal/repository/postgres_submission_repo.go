package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/talkgate/internal/model"
)

// PostgresSubmissionRepo はPostgreSQLを使用した登壇応募リポジトリ。
type PostgresSubmissionRepo struct {
	db *sql.DB
}

// NewPostgresSubmissionRepo はPostgresSubmissionRepoを生成する。
func NewPostgresSubmissionRepo(db *sql.DB) *PostgresSubmissionRepo {
	return &PostgresSubmissionRepo{db: db}
}

// Create は応募を作成する。
func (r *PostgresSubmissionRepo) Create(ctx context.Context, sub *model.Submission) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO submissions
		 (id, speaker_name, email, title, abstract, reference_url, channel_id, invite_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.SpeakerName, sub.Email, sub.Title, sub.Abstract,
		sub.ReferenceURL, sub.ChannelID, sub.InviteURL, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("応募の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの応募を取得する。見つからない場合はnilを返す。
func (r *PostgresSubmissionRepo) FindByID(ctx context.Context, id string) (*model.Submission, error) {
	sub := &model.Submission{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, speaker_name, email, title, abstract, reference_url, channel_id, invite_url, created_at, updated_at
		 FROM submissions WHERE id = $1`,
		id,
	).Scan(
		&sub.ID, &sub.SpeakerName, &sub.Email, &sub.Title, &sub.Abstract,
		&sub.ReferenceURL, &sub.ChannelID, &sub.InviteURL, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("応募の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// UpdateChannelInfo は応募に紐づくチャンネルIDと招待URLを更新する。
func (r *PostgresSubmissionRepo) UpdateChannelInfo(ctx context.Context, id, channelID, inviteURL string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE submissions SET channel_id = $2, invite_url = $3, updated_at = now() WHERE id = $1`,
		id, channelID, inviteURL,
	)
	if err != nil {
		return fmt.Errorf("応募のチャンネル情報更新に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は作成日時の降順で応募一覧を返す。
func (r *PostgresSubmissionRepo) ListRecent(ctx context.Context, limit int) ([]*model.Submission, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, speaker_name, email, title, abstract, reference_url, channel_id, invite_url, created_at, updated_at
		 FROM submissions ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("応募一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Submission
	for rows.Next() {
		sub := &model.Submission{}
		if err := rows.Scan(
			&sub.ID, &sub.SpeakerName, &sub.Email, &sub.Title, &sub.Abstract,
			&sub.ReferenceURL, &sub.ChannelID, &sub.InviteURL, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("応募一覧のスキャンに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("応募一覧の読み取りに失敗しました: %w", err)
	}
	return subs, nil
}
