package autothread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/talkgate/internal/chat"
	"github.com/hitoshi/talkgate/internal/config"
	"github.com/hitoshi/talkgate/internal/enrich"
	"github.com/hitoshi/talkgate/internal/model"
	"github.com/hitoshi/talkgate/internal/repository"
)

// defaultPageSize はメッセージ一覧取得の1ページあたりの件数。
const defaultPageSize = 50

// Namer はスレッド名の文脈的生成のインターフェース。
// 失敗は決定論的命名へのフォールバックで吸収されるため、
// 実装は遠慮なくエラーを返してよい。
type Namer interface {
	NameThread(ctx context.Context, channelName string, recentContents []string, targetContent string) (enrich.Suggestion, error)
}

// MetricsRecorder はジョブのメトリクス記録のインターフェース。
type MetricsRecorder interface {
	RecordRunLatency(d time.Duration)
	RecordThreadCreated()
	RecordRunError()
}

// Config は自動スレッド化ジョブの設定パラメータ。
type Config struct {
	// Mode は実行モード（plan / dry_run / live）。
	Mode config.AutothreadMode
	// ChannelAllow が空でない場合、含まれるチャンネルIDのみを対象にする。
	ChannelAllow []string
	// MaxChannelsPerRun は1回の実行で走査するチャンネル数の上限。
	MaxChannelsPerRun int
	// MaxThreadsPerRun は1回の実行で作成するスレッド数の上限。
	MaxThreadsPerRun int
	// MaxPagesPerChannel はチャンネルあたりのページ取得回数の上限。
	MaxPagesPerChannel int
	// MinContentLen はスレッド化対象とする最小文字数。
	MinContentLen int
	// CooldownWindow / CooldownMax はチャンネル単位のクールダウン判定。
	CooldownWindow time.Duration
	CooldownMax    int
	// ArchiveMinutes はスレッドの自動アーカイブ時間（分）。
	ArchiveMinutes int
	// PageSize はメッセージ取得の1ページあたりの件数。0ならデフォルト50。
	PageSize int
}

// Engine はポーリングと冪等なスレッド作成を行うエンジン本体。
// 同一メッセージの二重処理は(channel_id, message_id)の一意制約による
// クレームで防がれるため、スケジュール起動が重複しても安全に動作する。
type Engine struct {
	chatClient    chat.Client
	cursorRepo    repository.ChannelCursorRepository
	processedRepo repository.ProcessedMessageRepository
	runRepo       repository.AutothreadRunRepository
	statsRepo     repository.ThreadStatsRepository
	namer         Namer
	metrics       MetricsRecorder
	logger        *slog.Logger
	config        Config
}

// NewEngine はEngineの新しいインスタンスを生成する。
// namer、statsRepo、metricsはnilを許容する（それぞれ決定論的命名のみ、
// 集計なし、メトリクスなしで動作する）。
func NewEngine(
	chatClient chat.Client,
	cursorRepo repository.ChannelCursorRepository,
	processedRepo repository.ProcessedMessageRepository,
	runRepo repository.AutothreadRunRepository,
	statsRepo repository.ThreadStatsRepository,
	namer Namer,
	metrics MetricsRecorder,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxChannelsPerRun <= 0 {
		cfg.MaxChannelsPerRun = 50
	}
	if cfg.MaxThreadsPerRun <= 0 {
		cfg.MaxThreadsPerRun = 20
	}
	if cfg.MaxPagesPerChannel <= 0 {
		cfg.MaxPagesPerChannel = 5
	}
	return &Engine{
		chatClient:    chatClient,
		cursorRepo:    cursorRepo,
		processedRepo: processedRepo,
		runRepo:       runRepo,
		statsRepo:     statsRepo,
		namer:         namer,
		metrics:       metrics,
		logger:        logger,
		config:        cfg,
	}
}

// Start はティッカーで定期的にRunOnceを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("自動スレッド化ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.String("mode", string(e.config.Mode)),
	)

	// 起動直後に1回実行
	if _, err := e.RunOnce(ctx); err != nil {
		e.logger.Error("自動スレッド化サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("自動スレッド化ジョブを停止しました")
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil {
				e.logger.Error("自動スレッド化サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunLoop は時間予算と反復上限の範囲でRunOnceを繰り返す。
// 外部スケジューラの最小起動間隔が必要な応答性より粗い場合に、
// 1回の起動内で複数サイクルを回すために使用する。
func (e *Engine) RunLoop(ctx context.Context, durationBudget, pollInterval time.Duration, maxIterations int) {
	deadline := time.Now().Add(durationBudget)

	for i := 0; maxIterations <= 0 || i < maxIterations; i++ {
		if _, err := e.RunOnce(ctx); err != nil {
			e.logger.Error("自動スレッド化サイクルの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}

		if time.Now().Add(pollInterval).After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// RunOnce は1回のポーリングサイクルを実行する。
// 適格チャンネルを列挙し、各チャンネルのカーソル以降のメッセージを
// ゲート評価とクレームを経て処理する。実行結果はrunRepoに記録される
// （planモードを除く）。
// チャンネル単体・メッセージ単体の失敗はサイクル全体を中断しない。
func (e *Engine) RunOnce(ctx context.Context) (*model.AutothreadRun, error) {
	start := time.Now()

	run := &model.AutothreadRun{
		ID:        uuid.NewString(),
		Mode:      string(e.config.Mode),
		StartedAt: start,
	}

	channels, err := e.chatClient.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("チャンネル一覧の取得に失敗しました: %w", err)
	}

	eligible := e.filterChannels(channels)

	e.logger.Info("自動スレッド化サイクルを開始します",
		slog.Int("channel_count", len(eligible)),
		slog.String("mode", string(e.config.Mode)),
	)

	// 1サイクルで作成できるスレッド数の残り予算
	budget := e.config.MaxThreadsPerRun

	for _, ec := range eligible {
		if ctx.Err() != nil {
			break
		}
		e.processChannel(ctx, ec, run, &budget)
		run.ChannelsScanned++
	}

	run.FinishedAt = time.Now()

	if e.config.Mode != config.ModePlan {
		if err := e.runRepo.Create(ctx, run); err != nil {
			e.logger.Error("実行履歴の記録に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}

	if e.metrics != nil {
		e.metrics.RecordRunLatency(time.Since(start))
	}

	e.logger.Info("自動スレッド化サイクルが完了しました",
		slog.Int("channels_scanned", run.ChannelsScanned),
		slog.Int("processed", run.Processed),
		slog.Int("created", run.Created),
		slog.Int("skipped", run.Skipped),
		slog.Int("errors", run.Errors),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return run, nil
}

// eligibleChannel は適格判定済みのチャンネルとquiet修飾子を保持する。
type eligibleChannel struct {
	channel chat.Channel
	quiet   bool
}

// filterChannels は許可リストとオプトインタグで対象チャンネルを絞り込み、
// MaxChannelsPerRunで件数を制限する。
func (e *Engine) filterChannels(channels []chat.Channel) []eligibleChannel {
	allow := make(map[string]bool, len(e.config.ChannelAllow))
	for _, id := range e.config.ChannelAllow {
		allow[id] = true
	}

	var eligible []eligibleChannel
	for _, ch := range channels {
		if len(allow) > 0 && !allow[ch.ID] {
			continue
		}
		enabled, quiet := ParseTopicTag(ch.Topic)
		if !enabled {
			continue
		}
		eligible = append(eligible, eligibleChannel{channel: ch, quiet: quiet})
		if len(eligible) >= e.config.MaxChannelsPerRun {
			break
		}
	}
	return eligible
}

// processChannel は1チャンネル分の走査と処理を行う。
// カーソルは終端状態（created / skipped / error / dry_run、またはクレーム衝突）
// に達したメッセージまでのみ前進し、未処理メッセージを追い越すことはない。
func (e *Engine) processChannel(ctx context.Context, ec eligibleChannel, run *model.AutothreadRun, budget *int) {
	ch := ec.channel

	// クールダウン: 作成数が閾値に達したチャンネルは丸ごとスキップする。
	// ただしカーソル・メタデータの更新は行い、発見可能性を維持する。
	since := time.Now().Add(-e.config.CooldownWindow)
	createdCount, err := e.processedRepo.CountCreatedSince(ctx, ch.ID, since)
	if err != nil {
		e.recordRunError(run, fmt.Sprintf("クールダウン判定に失敗: %s", err.Error()))
		e.logger.Error("クールダウン判定に失敗しました",
			slog.String("channel_id", ch.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if createdCount >= e.config.CooldownMax {
		e.logger.Info("クールダウン中のためチャンネルをスキップします",
			slog.String("channel_id", ch.ID),
			slog.Int("created_in_window", createdCount),
			slog.Int("cooldown_max", e.config.CooldownMax),
		)
		e.upsertCursor(ctx, ch, "")
		return
	}

	cursor, err := e.cursorRepo.Find(ctx, ch.ID)
	if err != nil {
		e.recordRunError(run, fmt.Sprintf("カーソル取得に失敗: %s", err.Error()))
		e.logger.Error("カーソルの取得に失敗しました",
			slog.String("channel_id", ch.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	lastSeen := ""
	if cursor != nil {
		lastSeen = cursor.LastSeenMessageID
	}

	messages, reachedCursor, err := e.fetchNewMessages(ctx, ch.ID, lastSeen)
	if err != nil {
		e.recordRunError(run, fmt.Sprintf("メッセージ取得に失敗: %s", err.Error()))
		e.logger.Error("メッセージ一覧の取得に失敗しました",
			slog.String("channel_id", ch.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !reachedCursor {
		// ページ上限でカーソルまで遡れなかった場合、取得済みの新しい側と
		// カーソルの間に未取得のギャップがある。このままカーソルを進めると
		// ギャップ内のメッセージが恒久的に失われるため、今回の処理結果に
		// かかわらずカーソルは据え置き、次サイクルで再走査する。
		e.logger.Warn("ページ上限によりカーソルまで遡れませんでした",
			slog.String("channel_id", ch.ID),
			slog.String("last_seen", lastSeen),
			slog.Int("fetched", len(messages)),
		)
	}

	// カーソルは安全に処理し終えたIDまでのみ前進する
	safeUpTo := lastSeen

	for i, msg := range messages {
		if ctx.Err() != nil {
			break
		}

		// 予算枯渇時は残りをカーソル未反映のまま次サイクルに委ねる
		if *budget <= 0 {
			e.logger.Info("スレッド作成数が1サイクルの上限に達しました",
				slog.String("channel_id", ch.ID),
				slog.Int("remaining_messages", len(messages)-i),
			)
			break
		}

		terminal := e.processMessage(ctx, ec, msg, messages[:i], run, budget)
		if terminal && reachedCursor && chat.IDNewer(msg.ID, safeUpTo) {
			safeUpTo = msg.ID
		}
	}

	// 新着ゼロでもUPSERTし、新規適格チャンネルを登録する
	e.upsertCursor(ctx, ch, safeUpTo)
}

// fetchNewMessages はカーソル以降のメッセージを古い順で返す。
// プラットフォームは新しい順のページを返すため、カーソルに到達するまで
// 過去方向へページを辿り（上限MaxPagesPerChannel）、古い順に並べ替えて
// カーソルより新しいものだけを残す。
// 2番目の戻り値は遡行がカーソル（または履歴の末尾）まで到達したかを示す。
// falseの場合、取得済みメッセージとカーソルの間に未取得のギャップがある。
func (e *Engine) fetchNewMessages(ctx context.Context, channelID, lastSeen string) ([]chat.Message, bool, error) {
	var collected []chat.Message
	beforeID := ""
	reached := false

	for page := 0; page < e.config.MaxPagesPerChannel; page++ {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}

		msgs, err := e.chatClient.ListMessages(ctx, channelID, beforeID, e.config.PageSize)
		if err != nil {
			return nil, false, err
		}
		if len(msgs) == 0 {
			reached = true
			break
		}

		collected = append(collected, msgs...)

		oldest := msgs[len(msgs)-1]
		// カーソルまで遡れたらギャップは無い
		if lastSeen != "" && !chat.IDNewer(oldest.ID, lastSeen) {
			reached = true
			break
		}
		// 端数ページは履歴の末尾に達したことを意味する
		if len(msgs) < e.config.PageSize {
			reached = true
			break
		}
		beforeID = oldest.ID
	}

	// カーソル未設定の初回走査にはギャップの概念が無く、
	// 遡行の深さはページ上限による打ち切りで確定する。
	if lastSeen == "" {
		reached = true
	}

	// 新しい順 → 古い順（処理は因果順に行う）
	result := make([]chat.Message, 0, len(collected))
	for i := len(collected) - 1; i >= 0; i-- {
		msg := collected[i]
		if lastSeen != "" && !chat.IDNewer(msg.ID, lastSeen) {
			continue
		}
		result = append(result, msg)
	}
	return result, reached, nil
}

// processMessage は1メッセージのクレームと処理を行う。
// 戻り値はこのメッセージが終端状態に達したか（カーソルを進めてよいか）。
func (e *Engine) processMessage(ctx context.Context, ec eligibleChannel, msg chat.Message, context_ []chat.Message, run *model.AutothreadRun, budget *int) bool {
	ch := ec.channel

	// planモードは永続化も外部呼び出しも行わない純粋な投影
	if e.config.Mode == config.ModePlan {
		run.Processed++
		if reason, ok := EvaluateGates(msg, e.config.MinContentLen); !ok {
			run.Skipped++
			e.logger.Info("plan: スキップ対象",
				slog.String("channel_id", ch.ID),
				slog.String("message_id", msg.ID),
				slog.String("reason", reason),
			)
		} else {
			run.Created++
			*budget--
			e.logger.Info("plan: スレッド作成対象",
				slog.String("channel_id", ch.ID),
				slog.String("message_id", msg.ID),
				slog.String("name", DeterministicName(msg)),
			)
		}
		return false
	}

	claimStatus := model.StatusProcessing
	if e.config.Mode == config.ModeDryRun {
		claimStatus = model.StatusDryRun
	}

	claimed, err := e.processedRepo.Claim(ctx, ch.ID, msg.ID, claimStatus)
	if err != nil {
		// 一意制約以外のストアエラー: このメッセージのみ失敗扱い。
		// 終端状態に達していないためカーソルは進めない。
		e.recordRunError(run, fmt.Sprintf("クレームに失敗: %s", err.Error()))
		e.logger.Error("処理済みレコードのクレームに失敗しました",
			slog.String("channel_id", ch.ID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !claimed {
		// 既に処理済み（重複起動・再走査）。外部呼び出しは行わず、
		// カーソルだけ前進させる。
		return true
	}

	run.Processed++

	// コンテンツゲート評価。不合格もクレーム済みとして記録し、
	// 次回以降の再評価を防ぎつつカーソルを安全に進める。
	if reason, ok := EvaluateGates(msg, e.config.MinContentLen); !ok {
		if err := e.processedRepo.MarkSkipped(ctx, ch.ID, msg.ID, reason); err != nil {
			e.recordRunError(run, fmt.Sprintf("skipped更新に失敗: %s", err.Error()))
			e.logger.Error("skippedへの状態更新に失敗しました",
				slog.String("channel_id", ch.ID),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
			return false
		}
		run.Skipped++
		return true
	}

	// dry_runはクレームの記録のみで外部呼び出しは行わない
	if e.config.Mode == config.ModeDryRun {
		run.Created++
		*budget--
		return true
	}

	name, summary := e.threadName(ctx, ec, msg, context_)

	threadID, err := e.chatClient.CreateThread(ctx, ch.ID, msg.ID, name, e.config.ArchiveMinutes)
	if err != nil {
		if errors.Is(err, chat.ErrThreadExists) {
			// 既にスレッドがある = 冪等性の観点では作成済み。成功扱い。
			if markErr := e.processedRepo.MarkCreated(ctx, ch.ID, msg.ID, ""); markErr != nil {
				e.logger.Error("createdへの状態更新に失敗しました",
					slog.String("channel_id", ch.ID),
					slog.String("message_id", msg.ID),
					slog.String("error", markErr.Error()),
				)
				return false
			}
			run.Created++
			return true
		}

		// その他の失敗は終端のerror状態として記録し、バッチは継続する
		if markErr := e.processedRepo.MarkError(ctx, ch.ID, msg.ID, err.Error()); markErr != nil {
			e.logger.Error("errorへの状態更新に失敗しました",
				slog.String("channel_id", ch.ID),
				slog.String("message_id", msg.ID),
				slog.String("error", markErr.Error()),
			)
			return false
		}
		e.recordRunError(run, fmt.Sprintf("スレッド作成に失敗: %s", err.Error()))
		e.logger.Error("スレッドの作成に失敗しました",
			slog.String("channel_id", ch.ID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return true
	}

	if err := e.processedRepo.MarkCreated(ctx, ch.ID, msg.ID, threadID); err != nil {
		e.logger.Error("createdへの状態更新に失敗しました",
			slog.String("channel_id", ch.ID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	run.Created++
	*budget--
	if e.metrics != nil {
		e.metrics.RecordThreadCreated()
	}

	// 日次集計はベストエフォート（クールダウン判定には使わない）
	if e.statsRepo != nil {
		if err := e.statsRepo.IncrementCreated(ctx, ch.ID, time.Now()); err != nil {
			e.logger.Warn("スレッド作成数集計の更新に失敗しました",
				slog.String("channel_id", ch.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	// 要約の投稿はベストエフォート。quietチャンネルでは抑制する。
	if summary != "" && !ec.quiet && threadID != "" {
		if _, err := e.chatClient.PostMessage(ctx, threadID, summary); err != nil {
			e.logger.Warn("要約の投稿に失敗しました",
				slog.String("thread_id", threadID),
				slog.String("error", err.Error()),
			)
		}
	}

	e.logger.Info("スレッドを作成しました",
		slog.String("channel_id", ch.ID),
		slog.String("message_id", msg.ID),
		slog.String("thread_id", threadID),
		slog.String("name", name),
	)

	return true
}

// threadName はスレッド名と任意の要約を決定する。
// AI命名が有効な場合はまずそちらを試み、失敗時は警告ログのみ残して
// 決定論的命名にフォールバックする。
func (e *Engine) threadName(ctx context.Context, ec eligibleChannel, msg chat.Message, preceding []chat.Message) (name, summary string) {
	deterministic := DeterministicName(msg)

	if e.namer == nil {
		return deterministic, ""
	}

	// 直近の投稿を文脈として渡す（最大5件）
	var recent []string
	start := len(preceding) - 5
	if start < 0 {
		start = 0
	}
	for _, m := range preceding[start:] {
		recent = append(recent, CollapseWhitespace(m.Content))
	}

	suggestion, err := e.namer.NameThread(ctx, ec.channel.Name, recent, CollapseWhitespace(msg.Content))
	if err != nil {
		e.logger.Warn("AI命名に失敗したため決定論的命名を使用します",
			slog.String("channel_id", ec.channel.ID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return deterministic, ""
	}

	return TruncateRunes(suggestion.Name, maxThreadNameLen), suggestion.Summary
}

// upsertCursor はカーソルとチャンネルメタデータをUPSERTする。
// planモードでは永続化を行わない。safeUpToが空の場合は既存カーソルを維持する
// （リポジトリ側で後退が防がれる）。
func (e *Engine) upsertCursor(ctx context.Context, ch chat.Channel, safeUpTo string) {
	if e.config.Mode == config.ModePlan {
		return
	}
	err := e.cursorRepo.Upsert(ctx, &model.ChannelCursor{
		ChannelID:         ch.ID,
		DisplayName:       ch.Name,
		Topic:             ch.Topic,
		LastSeenMessageID: safeUpTo,
	})
	if err != nil {
		e.logger.Error("カーソルのUPSERTに失敗しました",
			slog.String("channel_id", ch.ID),
			slog.String("error", err.Error()),
		)
	}
}

// recordRunError は実行のエラーカウンタと直近エラーを更新する。
func (e *Engine) recordRunError(run *model.AutothreadRun, detail string) {
	run.Errors++
	run.LastError = detail
	if e.metrics != nil {
		e.metrics.RecordRunError()
	}
}
