package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/talkgate/internal/model"
)

// AutothreadRunnerInterface は管理APIからの手動実行のインターフェース。
type AutothreadRunnerInterface interface {
	// RunOnce は自動スレッド化の1サイクルを実行する。
	RunOnce(ctx context.Context) (*model.AutothreadRun, error)
}

// RunHistoryInterface は実行履歴の参照のインターフェース。
type RunHistoryInterface interface {
	// ListRecent は開始日時の降順で実行履歴を返す。
	ListRecent(ctx context.Context, limit int) ([]*model.AutothreadRun, error)
}

// AdminHandler は管理系APIのHTTPハンドラー。
type AdminHandler struct {
	submissions SubmissionServiceInterface
	runner      AutothreadRunnerInterface
	history     RunHistoryInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(submissions SubmissionServiceInterface, runner AutothreadRunnerInterface, history RunHistoryInterface) *AdminHandler {
	return &AdminHandler{
		submissions: submissions,
		runner:      runner,
		history:     history,
	}
}

// runResponse はジョブ実行結果のAPIレスポンス。
type runResponse struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	ChannelsScanned int    `json:"channels_scanned"`
	Processed       int    `json:"processed"`
	Created         int    `json:"created"`
	Skipped         int    `json:"skipped"`
	Errors          int    `json:"errors"`
	LastError       string `json:"last_error,omitempty"`
	StartedAt       string `json:"started_at"`
	FinishedAt      string `json:"finished_at"`
}

// ListSubmissions は応募一覧を返す。
// GET /api/admin/submissions
func (h *AdminHandler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	subs, err := h.submissions.List(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]submissionResponse, 0, len(subs))
	for _, s := range subs {
		resp = append(resp, submissionResponse{
			ID:           s.ID,
			SpeakerName:  s.SpeakerName,
			Title:        s.Title,
			Abstract:     s.Abstract,
			ReferenceURL: s.ReferenceURL,
			ChannelID:    s.ChannelID,
			InviteURL:    s.InviteURL,
			CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// TriggerAutothreadRun は自動スレッド化の1サイクルを手動実行する。
// POST /api/admin/autothread/run
func (h *AdminHandler) TriggerAutothreadRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runner.RunOnce(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toRunResponse(run))
}

// ListAutothreadRuns は実行履歴を返す。
// GET /api/admin/autothread/runs
func (h *AdminHandler) ListAutothreadRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	runs, err := h.history.ListRecent(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toRunResponse(run))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// toRunResponse はAutothreadRunをAPIレスポンスに変換する。
func toRunResponse(run *model.AutothreadRun) runResponse {
	return runResponse{
		ID:              run.ID,
		Mode:            run.Mode,
		ChannelsScanned: run.ChannelsScanned,
		Processed:       run.Processed,
		Created:         run.Created,
		Skipped:         run.Skipped,
		Errors:          run.Errors,
		LastError:       run.LastError,
		StartedAt:       run.StartedAt.Format(time.RFC3339),
		FinishedAt:      run.FinishedAt.Format(time.RFC3339),
	}
}
