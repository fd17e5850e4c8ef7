// Package pipeline はリンク1件をエンリッチメントの各ステップに通す状態機械を提供する。
// 各ステップ（メタデータ取得・コンテンツ抽出・サマリー生成）は個別に失敗しうるが、
// ジョブは必ずProcessingCompletedまたはProcessingFailedのどちらか一方の
// 終了イベントで終わる。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linkman/internal/event"
	"github.com/hitoshi/linkman/internal/model"
)

// エラー分類。ProcessingFailedイベントには分類のみを記録し、
// 生のエラーメッセージは含めない（機密情報の漏えい防止）。
const (
	// ErrClassStore はイベントストアへのコミット失敗。
	ErrClassStore = "store_error"
	// ErrClassPanic はパイプライン内のpanic。
	ErrClassPanic = "panic"
	// ErrClassInternal はその他の予期しないエラー。
	ErrClassInternal = "internal_error"
)

// defaultMaxInputChars はサマライザーへの入力の上限文字数。
// 下流のコンテキスト制限に収めるための制限。
const defaultMaxInputChars = 4000

// Committer はイベントのコミット先（テナントのレプリカ）のインターフェース。
type Committer interface {
	// Commit はイベント群をログに追記し、ローカルに適用してから返る。
	Commit(ctx context.Context, events []event.Envelope) error
	// StoreID はコミット先のテナントIDを返す。
	StoreID() string
}

// MetadataFetcher はメタデータ取得のインターフェース。
type MetadataFetcher interface {
	// Fetch は指定URLのページメタデータを取得する。
	Fetch(ctx context.Context, url string) (*model.PageMetadata, error)
}

// ContentExtractor はコンテンツ抽出のインターフェース。
type ContentExtractor interface {
	// Extract は指定URLの本文を抽出する。抽出できない場合はnilを返す。
	Extract(ctx context.Context, url string) (*model.ExtractedContent, error)
}

// Summarizer はAIサマリー生成のインターフェース。
type Summarizer interface {
	// Summarize はテキストのサマリーを生成する。空文字はサマリーなしを意味する。
	Summarize(ctx context.Context, text string, maxTokens int) (string, error)
	// Model は使用するモデル識別子を返す。
	Model() string
}

// FeatureProvider はテナントごとの機能フラグ取得のインターフェース。
// フラグはジョブ実行のたびに読み直す。
type FeatureProvider interface {
	Features(ctx context.Context, tenantID string) (model.TenantFeatures, error)
}

// Collector はパイプラインのメトリクス収集のインターフェース。
type Collector interface {
	RecordJobResult(result string)
	RecordStepFailure(step string)
	RecordJobLatency(duration time.Duration)
}

// Config はProcessorの設定。
type Config struct {
	// MaxInputChars はサマライザー入力の上限文字数。0以下の場合は4000。
	MaxInputChars int
	// MaxSummaryTokens はサマリー生成のトークン上限。
	MaxSummaryTokens int
}

// Processor はリンク処理の状態機械。テナント間で共有されるステートレスな実装で、
// コミット先は呼び出しごとにCommitterとして受け取る。
type Processor struct {
	metadata   MetadataFetcher
	extractor  ContentExtractor
	summarizer Summarizer
	features   FeatureProvider
	metrics    Collector
	logger     *slog.Logger
	cfg        Config
}

// NewProcessor はProcessorを生成する。
func NewProcessor(
	metadata MetadataFetcher,
	extractor ContentExtractor,
	summarizer Summarizer,
	features FeatureProvider,
	metrics Collector,
	logger *slog.Logger,
	cfg Config,
) *Processor {
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = defaultMaxInputChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		metadata:   metadata,
		extractor:  extractor,
		summarizer: summarizer,
		features:   features,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
	}
}

// Process はリンク1件の処理を1回試行する。
// 例外は外に伝播させず、必ず終了イベント（Completed/Failed）のコミットに変換する。
func (p *Processor) Process(ctx context.Context, store Committer, link *model.Link, isRetry bool) {
	start := time.Now()

	err := p.run(ctx, store, link, isRetry)
	if err == nil {
		// 回復不能エラーなし: ProcessingCompletedを最後にコミットする
		err = p.commit(ctx, store, event.TypeProcessingCompleted, event.ProcessingCompleted{
			LinkID:    link.ID,
			UpdatedAt: time.Now(),
		})
	}

	duration := time.Since(start)

	if err != nil {
		class := classify(err)
		p.logger.Error("リンク処理が失敗しました",
			slog.String("link_id", link.ID),
			slog.String("url", link.URL),
			slog.String("error_class", class),
			slog.String("error", err.Error()),
		)
		p.commitFailed(ctx, store, link.ID, class)
		p.record("failed", duration)
		return
	}

	p.logger.Info("リンク処理が完了しました",
		slog.String("link_id", link.ID),
		slog.String("url", link.URL),
		slog.Bool("is_retry", isRetry),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	p.record("completed", duration)
}

// run はエンリッチメントの各ステップを順に実行する。
// 戻り値のerrorは回復不能エラー（ストアコミット失敗・panic）のみ。
// 個別ステップの失敗はログに記録して続行する。
func (p *Processor) run(ctx context.Context, store Committer, link *model.Link, isRetry bool) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("リンク処理でpanicが発生しました",
				slog.String("link_id", link.ID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = &classifiedError{class: ErrClassPanic, err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	// Start: リトライの場合は行が既にpendingを反映しているため再発行しない
	if !isRetry {
		if err := p.commit(ctx, store, event.TypeProcessingStarted, event.ProcessingStarted{
			LinkID:    link.ID,
			UpdatedAt: time.Now(),
		}); err != nil {
			return err
		}
	}

	meta, err := p.fetchMetadataStep(ctx, store, link)
	if err != nil {
		return err
	}

	// AIサマリーの機能フラグはジョブごとに読み直す
	features := p.loadFeatures(ctx, store.StoreID())
	if features.AISummaryEnabled {
		if err := p.summarizeStep(ctx, store, link, meta); err != nil {
			return err
		}
	}

	return nil
}

// fetchMetadataStep はメタデータを取得し、成功した場合はMetadataFetchedをコミットする。
// 取得失敗はジョブを失敗させない（nullメタデータで続行）。
// 戻り値のerrorはコミット失敗（回復不能）のみ。
func (p *Processor) fetchMetadataStep(ctx context.Context, store Committer, link *model.Link) (*model.PageMetadata, error) {
	meta, err := p.metadata.Fetch(ctx, link.URL)
	if err != nil {
		p.logger.Warn("メタデータの取得に失敗しました（続行します）",
			slog.String("link_id", link.ID),
			slog.String("url", link.URL),
			slog.String("error", err.Error()),
		)
		p.stepFailure("metadata")
		return nil, nil
	}
	if meta == nil || meta.IsEmpty() {
		return meta, nil
	}

	if err := p.commit(ctx, store, event.TypeMetadataFetched, event.MetadataFetched{
		ID:          uuid.NewString(),
		LinkID:      link.ID,
		Title:       meta.Title,
		Description: meta.Description,
		Image:       meta.Image,
		Favicon:     meta.Favicon,
		FetchedAt:   time.Now(),
	}); err != nil {
		return meta, err
	}

	return meta, nil
}

// summarizeStep はコンテンツを抽出してサマリーを生成し、Summarizedをコミットする。
// 抽出失敗時はメタデータのみを入力にフォールバックする。
// サマリー生成失敗はジョブを失敗させない（ベストエフォート）。
func (p *Processor) summarizeStep(ctx context.Context, store Committer, link *model.Link, meta *model.PageMetadata) error {
	input := p.buildSummaryInput(ctx, link, meta)
	if input == "" {
		p.logger.Info("サマリー入力が空のためスキップします",
			slog.String("link_id", link.ID),
		)
		return nil
	}

	summary, err := p.summarizer.Summarize(ctx, input, p.cfg.MaxSummaryTokens)
	if err != nil {
		p.logger.Warn("サマリー生成に失敗しました（続行します）",
			slog.String("link_id", link.ID),
			slog.String("error", err.Error()),
		)
		p.stepFailure("summarize")
		return nil
	}
	if summary == "" {
		return nil
	}

	return p.commit(ctx, store, event.TypeSummarized, event.Summarized{
		ID:           uuid.NewString(),
		LinkID:       link.ID,
		Summary:      summary,
		Model:        p.summarizer.Model(),
		SummarizedAt: time.Now(),
	})
}

// buildSummaryInput は抽出した本文（またはメタデータへのフォールバック）から
// 上限文字数に切り詰めたサマリー入力を組み立てる。
func (p *Processor) buildSummaryInput(ctx context.Context, link *model.Link, meta *model.PageMetadata) string {
	content, err := p.extractor.Extract(ctx, link.URL)
	if err != nil {
		p.logger.Warn("コンテンツ抽出に失敗しました（メタデータにフォールバックします）",
			slog.String("link_id", link.ID),
			slog.String("error", err.Error()),
		)
		p.stepFailure("extract")
		content = nil
	}

	var text string
	if content != nil && content.TextContent != "" {
		text = content.TextContent
	} else if meta != nil {
		// 抽出できない場合は取得済みメタデータのみを入力とする
		text = meta.Title
		if meta.Description != "" {
			if text != "" {
				text += "\n\n"
			}
			text += meta.Description
		}
	}

	return truncateRunes(text, p.cfg.MaxInputChars)
}

// loadFeatures はテナントの機能フラグを取得する。取得失敗時は全機能無効として扱う。
func (p *Processor) loadFeatures(ctx context.Context, tenantID string) model.TenantFeatures {
	features, err := p.features.Features(ctx, tenantID)
	if err != nil {
		p.logger.Warn("機能フラグの取得に失敗しました（無効として扱います）",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return model.TenantFeatures{}
	}
	return features
}

// commit はイベント1件をコミットする。失敗はstore_errorとして分類する。
func (p *Processor) commit(ctx context.Context, store Committer, t event.Type, payload any) error {
	e, err := event.New(store.StoreID(), t, payload)
	if err != nil {
		return &classifiedError{class: ErrClassInternal, err: err}
	}
	if err := store.Commit(ctx, []event.Envelope{e}); err != nil {
		return &classifiedError{class: ErrClassStore, err: err}
	}
	return nil
}

// commitFailed はProcessingFailedをベストエフォートでコミットする。
// これ自体の失敗はログに記録するのみ（次回ウェイクのリトライに委ねる）。
func (p *Processor) commitFailed(ctx context.Context, store Committer, linkID, class string) {
	if err := p.commit(ctx, store, event.TypeProcessingFailed, event.ProcessingFailed{
		LinkID:    linkID,
		Error:     class,
		UpdatedAt: time.Now(),
	}); err != nil {
		p.logger.Error("ProcessingFailedのコミットに失敗しました",
			slog.String("link_id", linkID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) record(result string, duration time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordJobResult(result)
	p.metrics.RecordJobLatency(duration)
}

func (p *Processor) stepFailure(step string) {
	if p.metrics != nil {
		p.metrics.RecordStepFailure(step)
	}
}

// classifiedError はエラー分類付きのエラー。
type classifiedError struct {
	class string
	err   error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("[%s] %v", e.class, e.err)
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// classify はエラーから分類文字列を取り出す。
func classify(err error) string {
	if ce, ok := err.(*classifiedError); ok {
		return ce.class
	}
	return ErrClassInternal
}

// truncateRunes は文字列をルーン単位で上限文字数に切り詰める。
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
