package autothread

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/talkgate/internal/chat"
	"github.com/hitoshi/talkgate/internal/config"
	"github.com/hitoshi/talkgate/internal/enrich"
	"github.com/hitoshi/talkgate/internal/model"
)

// --- チャットクライアントのフェイク ---

type createdThread struct {
	channelID string
	messageID string
	name      string
}

type postedMessage struct {
	channelID string
	content   string
}

type fakeChatClient struct {
	channels []chat.Channel
	// messagesはチャンネルごとに古い順で保持する
	messages  map[string][]chat.Message
	createErr map[string]error // messageID -> CreateThreadのエラー

	created      []createdThread
	posted       []postedMessage
	listMsgCalls int
}

func newFakeChatClient() *fakeChatClient {
	return &fakeChatClient{
		messages:  make(map[string][]chat.Message),
		createErr: make(map[string]error),
	}
}

func (f *fakeChatClient) ListChannels(ctx context.Context) ([]chat.Channel, error) {
	return f.channels, nil
}

// ListMessages は実プラットフォームと同じく新しい順のページを返す。
func (f *fakeChatClient) ListMessages(ctx context.Context, channelID, beforeID string, limit int) ([]chat.Message, error) {
	f.listMsgCalls++
	stored := f.messages[channelID]

	var page []chat.Message
	for i := len(stored) - 1; i >= 0 && len(page) < limit; i-- {
		msg := stored[i]
		if beforeID != "" && !chat.IDNewer(beforeID, msg.ID) {
			continue
		}
		page = append(page, msg)
	}
	return page, nil
}

func (f *fakeChatClient) CreateThread(ctx context.Context, channelID, messageID, name string, autoArchiveMinutes int) (string, error) {
	if err := f.createErr[messageID]; err != nil {
		return "", err
	}
	f.created = append(f.created, createdThread{channelID: channelID, messageID: messageID, name: name})
	return "thread-" + messageID, nil
}

func (f *fakeChatClient) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	f.posted = append(f.posted, postedMessage{channelID: channelID, content: content})
	return "msg-1", nil
}

func (f *fakeChatClient) CreateChannel(ctx context.Context, name, topic string) (chat.Channel, error) {
	return chat.Channel{ID: "new-ch", Name: name, Topic: topic}, nil
}

func (f *fakeChatClient) CreateInvite(ctx context.Context, channelID string, maxAge time.Duration) (string, error) {
	return "https://discord.gg/test", nil
}

// --- リポジトリのフェイク ---

type fakeCursorRepo struct {
	cursors map[string]*model.ChannelCursor
	findErr error
}

func newFakeCursorRepo() *fakeCursorRepo {
	return &fakeCursorRepo{cursors: make(map[string]*model.ChannelCursor)}
}

func (f *fakeCursorRepo) Find(ctx context.Context, channelID string) (*model.ChannelCursor, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.cursors[channelID], nil
}

// Upsert は本物のリポジトリと同じく前進のみを許す。
func (f *fakeCursorRepo) Upsert(ctx context.Context, cursor *model.ChannelCursor) error {
	existing, ok := f.cursors[cursor.ChannelID]
	if !ok {
		c := *cursor
		f.cursors[cursor.ChannelID] = &c
		return nil
	}
	existing.DisplayName = cursor.DisplayName
	existing.Topic = cursor.Topic
	if chat.IDNewer(cursor.LastSeenMessageID, existing.LastSeenMessageID) {
		existing.LastSeenMessageID = cursor.LastSeenMessageID
	}
	return nil
}

type fakeProcessedRepo struct {
	records       map[string]*model.ProcessedMessage
	claimErr      error
	cooldownCount int
}

func newFakeProcessedRepo() *fakeProcessedRepo {
	return &fakeProcessedRepo{records: make(map[string]*model.ProcessedMessage)}
}

func processedKey(channelID, messageID string) string {
	return channelID + "|" + messageID
}

func (f *fakeProcessedRepo) Claim(ctx context.Context, channelID, messageID string, status model.ProcessedStatus) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	key := processedKey(channelID, messageID)
	if _, exists := f.records[key]; exists {
		return false, nil
	}
	f.records[key] = &model.ProcessedMessage{
		ChannelID: channelID,
		MessageID: messageID,
		Status:    status,
	}
	return true, nil
}

func (f *fakeProcessedRepo) MarkCreated(ctx context.Context, channelID, messageID, threadID string) error {
	rec := f.records[processedKey(channelID, messageID)]
	rec.Status = model.StatusCreated
	rec.ThreadID = threadID
	return nil
}

func (f *fakeProcessedRepo) MarkSkipped(ctx context.Context, channelID, messageID, reason string) error {
	rec := f.records[processedKey(channelID, messageID)]
	rec.Status = model.StatusSkipped
	rec.SkipReason = reason
	return nil
}

func (f *fakeProcessedRepo) MarkError(ctx context.Context, channelID, messageID, detail string) error {
	rec := f.records[processedKey(channelID, messageID)]
	rec.Status = model.StatusError
	rec.ErrorDetail = detail
	return nil
}

func (f *fakeProcessedRepo) CountCreatedSince(ctx context.Context, channelID string, since time.Time) (int, error) {
	return f.cooldownCount, nil
}

func (f *fakeProcessedRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeProcessedRepo) status(channelID, messageID string) model.ProcessedStatus {
	rec, ok := f.records[processedKey(channelID, messageID)]
	if !ok {
		return ""
	}
	return rec.Status
}

type fakeRunRepo struct {
	runs []*model.AutothreadRun
}

func (f *fakeRunRepo) Create(ctx context.Context, run *model.AutothreadRun) error {
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRunRepo) ListRecent(ctx context.Context, limit int) ([]*model.AutothreadRun, error) {
	return f.runs, nil
}

func (f *fakeRunRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeNamer struct {
	suggestion enrich.Suggestion
	err        error
	calls      int
}

func (f *fakeNamer) NameThread(ctx context.Context, channelName string, recent []string, target string) (enrich.Suggestion, error) {
	f.calls++
	return f.suggestion, f.err
}

// --- テスト用の組み立てヘルパー ---

type engineFixture struct {
	chat      *fakeChatClient
	cursors   *fakeCursorRepo
	processed *fakeProcessedRepo
	runs      *fakeRunRepo
	engine    *Engine
}

func newEngineFixture(t *testing.T, mode config.AutothreadMode, namer Namer) *engineFixture {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	f := &engineFixture{
		chat:      newFakeChatClient(),
		cursors:   newFakeCursorRepo(),
		processed: newFakeProcessedRepo(),
		runs:      &fakeRunRepo{},
	}
	f.engine = NewEngine(
		f.chat, f.cursors, f.processed, f.runs, nil, namer, nil, logger,
		Config{
			Mode:               mode,
			MaxChannelsPerRun:  10,
			MaxThreadsPerRun:   10,
			MaxPagesPerChannel: 5,
			MinContentLen:      8,
			CooldownWindow:     10 * time.Minute,
			CooldownMax:        3,
			ArchiveMinutes:     1440,
			PageSize:           50,
		},
	)
	return f
}

func (f *engineFixture) addChannel(id, topic string) {
	f.chat.channels = append(f.chat.channels, chat.Channel{ID: id, Name: "ch-" + id, Topic: topic})
}

func (f *engineFixture) addMessage(channelID, messageID, content string) {
	f.chat.messages[channelID] = append(f.chat.messages[channelID], chat.Message{
		ID:        messageID,
		Author:    chat.Author{ID: "u1", Name: "tanaka"},
		Content:   content,
		Timestamp: time.Now(),
	})
}

// --- テスト本体 ---

func TestEngine_RunOnce_CreatesThreadsAndRecordsRun(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "十分な長さのある最初の投稿です")
	f.addMessage("ch1", "102", "短い")
	f.addMessage("ch1", "103", "こちらも十分な長さのある投稿です")

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if len(f.chat.created) != 2 {
		t.Fatalf("作成スレッド数 = %d, want 2", len(f.chat.created))
	}
	if run.ChannelsScanned != 1 || run.Processed != 3 || run.Created != 2 || run.Skipped != 1 {
		t.Errorf("run = scanned:%d processed:%d created:%d skipped:%d, want 1/3/2/1",
			run.ChannelsScanned, run.Processed, run.Created, run.Skipped)
	}

	if got := f.processed.status("ch1", "101"); got != model.StatusCreated {
		t.Errorf("101のステータス = %s, want created", got)
	}
	if got := f.processed.status("ch1", "102"); got != model.StatusSkipped {
		t.Errorf("102のステータス = %s, want skipped", got)
	}

	cursor := f.cursors.cursors["ch1"]
	if cursor == nil || cursor.LastSeenMessageID != "103" {
		t.Errorf("カーソル = %+v, want last_seen=103", cursor)
	}

	if len(f.runs.runs) != 1 {
		t.Errorf("記録された実行履歴数 = %d, want 1", len(f.runs.runs))
	}
}

func TestEngine_RunOnce_IgnoresUntaggedChannels(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.addChannel("ch1", "タグのないチャンネル")
	f.addMessage("ch1", "101", "十分な長さのある投稿ですがタグがない")

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if run.ChannelsScanned != 0 {
		t.Errorf("ChannelsScanned = %d, want 0", run.ChannelsScanned)
	}
	if len(f.chat.created) != 0 {
		t.Errorf("作成スレッド数 = %d, want 0", len(f.chat.created))
	}
}

func TestEngine_RunOnce_HonorsChannelAllowlist(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.engine.config.ChannelAllow = []string{"ch2"}
	f.addChannel("ch1", "[autothread]")
	f.addChannel("ch2", "[autothread]")
	f.addMessage("ch1", "101", "許可リスト外チャンネルの投稿です")
	f.addMessage("ch2", "201", "許可リスト内チャンネルの投稿です")

	if _, err := f.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if len(f.chat.created) != 1 || f.chat.created[0].channelID != "ch2" {
		t.Errorf("created = %+v, want ch2のみ", f.chat.created)
	}
}

func TestEngine_RunOnce_SecondRunIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "十分な長さのある最初の投稿です")

	if _, err := f.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("1回目のRunOnce でエラーが発生した: %v", err)
	}
	if len(f.chat.created) != 1 {
		t.Fatalf("1回目の作成スレッド数 = %d, want 1", len(f.chat.created))
	}

	// カーソルを巻き戻しても、クレーム衝突で二重作成されないこと
	f.cursors.cursors["ch1"].LastSeenMessageID = ""

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("2回目のRunOnce でエラーが発生した: %v", err)
	}
	if len(f.chat.created) != 1 {
		t.Errorf("2回目以降もスレッドが作成された: created = %d", len(f.chat.created))
	}
	if run.Processed != 0 {
		t.Errorf("クレーム済みメッセージがProcessedに計上された: %d", run.Processed)
	}
}

func TestEngine_RunOnce_CursorSkipsOldMessages(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "カーソルより古い投稿なので対象外です")
	f.addMessage("ch1", "102", "カーソルより新しい投稿なので対象です")
	f.cursors.cursors["ch1"] = &model.ChannelCursor{ChannelID: "ch1", LastSeenMessageID: "101"}

	if _, err := f.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if len(f.chat.created) != 1 || f.chat.created[0].messageID != "102" {
		t.Errorf("created = %+v, want 102のみ", f.chat.created)
	}
}

func TestEngine_RunOnce_ThreadExistsIsTreatedAsCreated(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "既にスレッドが存在する投稿です")
	f.chat.createErr["101"] = chat.ErrThreadExists

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if run.Created != 1 || run.Errors != 0 {
		t.Errorf("created=%d errors=%d, want 1/0", run.Created, run.Errors)
	}
	if got := f.processed.status("ch1", "101"); got != model.StatusCreated {
		t.Errorf("ステータス = %s, want created", got)
	}
	if cursor := f.cursors.cursors["ch1"]; cursor.LastSeenMessageID != "101" {
		t.Errorf("カーソル = %s, want 101", cursor.LastSeenMessageID)
	}
}

func TestEngine_RunOnce_CreateFailureIsTerminal(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "スレッド作成に失敗する投稿です")
	f.addMessage("ch1", "102", "こちらは正常に処理される投稿です")
	f.chat.createErr["101"] = errors.New("server error")

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if run.Errors != 1 || run.Created != 1 {
		t.Errorf("errors=%d created=%d, want 1/1", run.Errors, run.Created)
	}
	if got := f.processed.status("ch1", "101"); got != model.StatusError {
		t.Errorf("101のステータス = %s, want error", got)
	}
	// 失敗も終端状態なのでカーソルは進む
	if cursor := f.cursors.cursors["ch1"]; cursor.LastSeenMessageID != "102" {
		t.Errorf("カーソル = %s, want 102", cursor.LastSeenMessageID)
	}
}

func TestEngine_RunOnce_BudgetStopsCreationAndHoldsCursor(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.engine.config.MaxThreadsPerRun = 2
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "予算内で処理される1件目の投稿です")
	f.addMessage("ch1", "102", "予算内で処理される2件目の投稿です")
	f.addMessage("ch1", "103", "予算切れで次回に持ち越される投稿です")

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if run.Created != 2 {
		t.Errorf("created = %d, want 2", run.Created)
	}
	// 103は未クレームのままカーソルも102で止まる
	if got := f.processed.status("ch1", "103"); got != "" {
		t.Errorf("103が予算切れ後にクレームされた: %s", got)
	}
	if cursor := f.cursors.cursors["ch1"]; cursor.LastSeenMessageID != "102" {
		t.Errorf("カーソル = %s, want 102", cursor.LastSeenMessageID)
	}

	// 次のサイクルで103が処理されること
	if _, err := f.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("2回目のRunOnce でエラーが発生した: %v", err)
	}
	if got := f.processed.status("ch1", "103"); got != model.StatusCreated {
		t.Errorf("持ち越し分のステータス = %s, want created", got)
	}
}

func TestEngine_RunOnce_CooldownSkipsChannel(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.processed.cooldownCount = 3 // CooldownMaxと同値
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "クールダウン中なので処理されない投稿です")

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if len(f.chat.created) != 0 {
		t.Errorf("クールダウン中にスレッドが作成された: %d", len(f.chat.created))
	}
	if f.chat.listMsgCalls != 0 {
		t.Errorf("クールダウン中にメッセージ取得が行われた: %d", f.chat.listMsgCalls)
	}
	if run.ChannelsScanned != 1 {
		t.Errorf("ChannelsScanned = %d, want 1（走査自体は計上される）", run.ChannelsScanned)
	}
	// カーソル・メタデータの登録は行われる
	if f.cursors.cursors["ch1"] == nil {
		t.Error("クールダウン中でもカーソルの登録は行うべき")
	}
}

func TestEngine_RunOnce_DryRunClaimsWithoutSideEffects(t *testing.T) {
	f := newEngineFixture(t, config.ModeDryRun, nil)
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "ドライランで評価される投稿です")

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if len(f.chat.created) != 0 || len(f.chat.posted) != 0 {
		t.Error("ドライランで外部呼び出しが発生した")
	}
	if run.Created != 1 {
		t.Errorf("created = %d, want 1（作成対象として計上）", run.Created)
	}
	if got := f.processed.status("ch1", "101"); got != model.StatusDryRun {
		t.Errorf("ステータス = %s, want dry_run", got)
	}
	if cursor := f.cursors.cursors["ch1"]; cursor == nil || cursor.LastSeenMessageID != "101" {
		t.Error("ドライランでもカーソルは前進すべき")
	}
	if len(f.runs.runs) != 1 {
		t.Errorf("実行履歴数 = %d, want 1", len(f.runs.runs))
	}
}

func TestEngine_RunOnce_PlanModeWritesNothing(t *testing.T) {
	f := newEngineFixture(t, config.ModePlan, nil)
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "計画モードで評価される投稿です")

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if run.Created != 1 {
		t.Errorf("created = %d, want 1", run.Created)
	}
	if len(f.processed.records) != 0 {
		t.Error("計画モードで処理済みレコードが書き込まれた")
	}
	if len(f.cursors.cursors) != 0 {
		t.Error("計画モードでカーソルが書き込まれた")
	}
	if len(f.runs.runs) != 0 {
		t.Error("計画モードで実行履歴が記録された")
	}
	if len(f.chat.created) != 0 {
		t.Error("計画モードでスレッドが作成された")
	}
}

func TestEngine_RunOnce_NamerSuggestionPostedAsSummary(t *testing.T) {
	namer := &fakeNamer{suggestion: enrich.Suggestion{Name: "AI命名のスレッド", Summary: "要約テキスト"}}
	f := newEngineFixture(t, config.ModeLive, namer)
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "AI命名の対象となる十分に長い投稿です")

	if _, err := f.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if len(f.chat.created) != 1 || f.chat.created[0].name != "AI命名のスレッド" {
		t.Errorf("created = %+v, want AI命名のスレッド", f.chat.created)
	}
	if len(f.chat.posted) != 1 {
		t.Fatalf("要約の投稿数 = %d, want 1", len(f.chat.posted))
	}
	if f.chat.posted[0].channelID != "thread-101" || f.chat.posted[0].content != "要約テキスト" {
		t.Errorf("posted = %+v, want スレッドへの要約投稿", f.chat.posted[0])
	}
}

func TestEngine_RunOnce_QuietChannelSuppressesSummary(t *testing.T) {
	namer := &fakeNamer{suggestion: enrich.Suggestion{Name: "AI命名のスレッド", Summary: "要約テキスト"}}
	f := newEngineFixture(t, config.ModeLive, namer)
	f.addChannel("ch1", "[autothread:quiet]")
	f.addMessage("ch1", "101", "quietチャンネルの十分に長い投稿です")

	if _, err := f.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if len(f.chat.created) != 1 {
		t.Fatalf("作成スレッド数 = %d, want 1（quietでも作成は行う）", len(f.chat.created))
	}
	if len(f.chat.posted) != 0 {
		t.Errorf("quietチャンネルで要約が投稿された: %+v", f.chat.posted)
	}
}

func TestEngine_RunOnce_NamerFailureFallsBackToDeterministic(t *testing.T) {
	namer := &fakeNamer{err: errors.New("api unavailable")}
	f := newEngineFixture(t, config.ModeLive, namer)
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "AI命名が失敗したときの投稿内容です")

	if _, err := f.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if namer.calls != 1 {
		t.Errorf("Namer呼び出し回数 = %d, want 1", namer.calls)
	}
	if len(f.chat.created) != 1 {
		t.Fatalf("作成スレッド数 = %d, want 1", len(f.chat.created))
	}
	if f.chat.created[0].name != "AI命名が失敗したときの投稿内容です" {
		t.Errorf("name = %q, want 決定論的命名", f.chat.created[0].name)
	}
}

func TestEngine_RunOnce_ClaimErrorDoesNotAdvanceCursor(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.addChannel("ch1", "[autothread]")
	f.addMessage("ch1", "101", "クレームに失敗する投稿です")
	f.processed.claimErr = errors.New("connection reset")

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	if run.Errors != 1 {
		t.Errorf("errors = %d, want 1", run.Errors)
	}
	// 終端状態に達していないのでカーソルは進まない
	if cursor := f.cursors.cursors["ch1"]; cursor != nil && cursor.LastSeenMessageID != "" {
		t.Errorf("カーソル = %s, want 空", cursor.LastSeenMessageID)
	}
}

func TestEngine_RunOnce_PaginatesUntilCursor(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.engine.config.PageSize = 2
	f.addChannel("ch1", "[autothread]")
	for i := 1; i <= 5; i++ {
		f.addMessage("ch1", fmt.Sprintf("10%d", i), fmt.Sprintf("ページング確認用の投稿その%dです", i))
	}
	f.cursors.cursors["ch1"] = &model.ChannelCursor{ChannelID: "ch1", LastSeenMessageID: "102"}

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	// 103〜105の3件が古い順に処理される
	if run.Created != 3 {
		t.Errorf("created = %d, want 3", run.Created)
	}
	if len(f.chat.created) != 3 || f.chat.created[0].messageID != "103" || f.chat.created[2].messageID != "105" {
		t.Errorf("created = %+v, want 103→104→105の順", f.chat.created)
	}
	if f.chat.listMsgCalls < 2 {
		t.Errorf("ページ取得回数 = %d, want 2以上", f.chat.listMsgCalls)
	}
}

func TestEngine_RunOnce_MaxPagesBoundsBackfill(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.engine.config.PageSize = 1
	f.engine.config.MaxPagesPerChannel = 2
	f.addChannel("ch1", "[autothread]")
	for i := 1; i <= 5; i++ {
		f.addMessage("ch1", fmt.Sprintf("10%d", i), fmt.Sprintf("ページ上限確認用の投稿その%dです", i))
	}

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	// 2ページ分（新しい側の2件）のみ処理される
	if run.Created != 2 {
		t.Errorf("created = %d, want 2", run.Created)
	}
	if f.chat.listMsgCalls != 2 {
		t.Errorf("ページ取得回数 = %d, want 2", f.chat.listMsgCalls)
	}
}

func TestEngine_RunLoop_StopsAtIterationCap(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.addChannel("ch1", "[autothread]")

	f.engine.RunLoop(context.Background(), time.Second, time.Millisecond, 3)

	if len(f.runs.runs) != 3 {
		t.Errorf("実行サイクル数 = %d, want 3", len(f.runs.runs))
	}
}

func TestEngine_RunLoop_RespectsDurationBudget(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.addChannel("ch1", "[autothread]")

	// 次の待機で予算を超えるため、1サイクルで終了する
	f.engine.RunLoop(context.Background(), 5*time.Millisecond, 50*time.Millisecond, 0)

	if len(f.runs.runs) != 1 {
		t.Errorf("実行サイクル数 = %d, want 1", len(f.runs.runs))
	}
}

func TestEngine_RunLoop_StopsOnContextCancel(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.addChannel("ch1", "[autothread]")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		f.engine.RunLoop(ctx, time.Minute, time.Second, 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後もRunLoopが終了しない")
	}

	if len(f.runs.runs) != 1 {
		t.Errorf("実行サイクル数 = %d, want 1", len(f.runs.runs))
	}
}

func TestEngine_RunOnce_PageCapShortOfCursor_HoldsCursor(t *testing.T) {
	f := newEngineFixture(t, config.ModeLive, nil)
	f.engine.config.PageSize = 1
	f.engine.config.MaxPagesPerChannel = 2
	f.addChannel("ch1", "[autothread]")
	for i := 2; i <= 9; i++ {
		f.addMessage("ch1", fmt.Sprintf("10%d", i), fmt.Sprintf("ギャップ確認用の投稿その%dです", i))
	}
	f.cursors.cursors["ch1"] = &model.ChannelCursor{ChannelID: "ch1", LastSeenMessageID: "101"}

	run, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce でエラーが発生した: %v", err)
	}

	// 2ページではカーソル(101)まで遡れず、新しい側の108・109のみ取得される
	if run.Created != 2 {
		t.Errorf("created = %d, want 2", run.Created)
	}
	if len(f.chat.created) != 2 || f.chat.created[0].messageID != "108" || f.chat.created[1].messageID != "109" {
		t.Errorf("created = %+v, want 108→109", f.chat.created)
	}

	// 未取得の102〜107を追い越さないよう、カーソルは据え置かれる
	cursor := f.cursors.cursors["ch1"]
	if cursor == nil || cursor.LastSeenMessageID != "101" {
		t.Fatalf("カーソル = %+v, want LastSeenMessageID=101", cursor)
	}
	if got := f.processed.status("ch1", "102"); got != "" {
		t.Errorf("102の状態 = %q, want 未記録", got)
	}
}
