package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/talkgate/internal/model"
	"github.com/hitoshi/talkgate/internal/ratelimit"
	"github.com/hitoshi/talkgate/internal/submission"
)

// mockSubmissionService はSubmissionServiceInterfaceのモック。
type mockSubmissionService struct {
	submitResult *submission.Result
	submitErr    error
	listResult   []*model.Submission
	listErr      error
}

func (m *mockSubmissionService) Submit(ctx context.Context, input submission.Input) (*submission.Result, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.submitResult, nil
}

func (m *mockSubmissionService) List(ctx context.Context, limit int) ([]*model.Submission, error) {
	return m.listResult, m.listErr
}

// mockRunner はAutothreadRunnerInterfaceのモック。
type mockRunner struct {
	run    *model.AutothreadRun
	err    error
	called bool
}

func (m *mockRunner) RunOnce(ctx context.Context) (*model.AutothreadRun, error) {
	m.called = true
	return m.run, m.err
}

// mockHistory はRunHistoryInterfaceのモック。
type mockHistory struct {
	runs []*model.AutothreadRun
}

func (m *mockHistory) ListRecent(ctx context.Context, limit int) ([]*model.AutothreadRun, error) {
	return m.runs, nil
}

// mockPinger はPingerのモック。
type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	return m.err
}

// permissiveStore は常に許可するインメモリレート制限ストア。
type permissiveStore struct{}

func (permissiveStore) Mutate(ctx context.Context, key string, fn func(string) (string, error)) error {
	_, err := fn("[]")
	return err
}

func (permissiveStore) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type routerFixture struct {
	submissions *mockSubmissionService
	runner      *mockRunner
	history     *mockHistory
	pinger      *mockPinger
	handler     http.Handler
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	limiter, err := ratelimit.NewLimiter(permissiveStore{}, logger, ratelimit.Config{
		MaxRequests: 100,
		Window:      time.Minute,
	})
	if err != nil {
		t.Fatalf("NewLimiter でエラーが発生した: %v", err)
	}

	f := &routerFixture{
		submissions: &mockSubmissionService{
			submitResult: &submission.Result{ID: "s1", ChannelID: "ch1", InviteURL: "https://discord.gg/x"},
		},
		runner:  &mockRunner{run: &model.AutothreadRun{ID: "r1", Mode: "live"}},
		history: &mockHistory{},
		pinger:  &mockPinger{},
	}
	f.handler = NewRouter(&RouterDeps{
		CORSAllowedOrigin: "https://talks.example.com",
		AdminToken:        "admin-secret",
		RateLimiter:       limiter,
		Logger:            logger,
		SubmissionService: f.submissions,
		AutothreadRunner:  f.runner,
		RunHistory:        f.history,
		DB:                f.pinger,
	})
	return f
}

func TestRouter_SubmitReturns201(t *testing.T) {
	f := newRouterFixture(t)

	body := `{"speaker_name":"田中","email":"t@example.com","title":"発表","abstract":"概要です"}`
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var result submission.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("レスポンスの解析に失敗した: %v", err)
	}
	if result.InviteURL != "https://discord.gg/x" {
		t.Errorf("invite_url = %q", result.InviteURL)
	}
}

func TestRouter_SubmitRejectsMalformedJSON(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/submissions", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRouter_SubmitMapsValidationError(t *testing.T) {
	f := newRouterFixture(t)
	f.submissions.submitErr = model.NewValidationError("タイトルは必須です")

	req := httptest.NewRequest(http.MethodPost, "/api/submissions", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != model.ErrCodeValidation {
		t.Errorf("code = %q, want VALIDATION_FAILED", body["code"])
	}
}

func TestRouter_SubmitMapsChannelCreationErrorTo502(t *testing.T) {
	f := newRouterFixture(t)
	f.submissions.submitErr = model.NewChannelCreationError()

	req := httptest.NewRequest(http.MethodPost, "/api/submissions", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestRouter_AdminRoutesRequireToken(t *testing.T) {
	f := newRouterFixture(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/admin/submissions"},
		{http.MethodPost, "/api/admin/autothread/run"},
		{http.MethodGet, "/api/admin/autothread/runs"},
	}

	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s のstatus = %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

func TestRouter_AdminTriggerRun(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/autothread/run", nil)
	req.Header.Set("X-Admin-Token", "admin-secret")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !f.runner.called {
		t.Error("RunOnceが呼ばれていない")
	}

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["id"] != "r1" {
		t.Errorf("id = %v, want r1", body["id"])
	}
}

func TestRouter_AdminListRuns(t *testing.T) {
	f := newRouterFixture(t)
	f.history.runs = []*model.AutothreadRun{
		{ID: "r2", Mode: "live", Created: 3},
		{ID: "r1", Mode: "dry_run"},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/autothread/runs", nil)
	req.Header.Set("X-Admin-Token", "admin-secret")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスの解析に失敗した: %v", err)
	}
	if len(body) != 2 || body[0]["id"] != "r2" {
		t.Errorf("body = %v", body)
	}
}

func TestRouter_AdminListSubmissions(t *testing.T) {
	f := newRouterFixture(t)
	f.submissions.listResult = []*model.Submission{
		{ID: "s1", SpeakerName: "田中", Title: "発表", CreatedAt: time.Now()},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/submissions", nil)
	req.Header.Set("X-Admin-Token", "admin-secret")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body []map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body) != 1 || body[0]["speaker_name"] != "田中" {
		t.Errorf("body = %v", body)
	}
}

func TestRouter_HealthzOK(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouter_HealthzReportsDBFailure(t *testing.T) {
	f := newRouterFixture(t)
	f.pinger.err = errors.New("connection refused")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
