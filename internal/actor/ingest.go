package actor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linkman/internal/event"
	"github.com/hitoshi/linkman/internal/model"
)

// IngestStatus はインジェスト結果の種別。
type IngestStatus string

const (
	// IngestStatusIngested は新規リンクが作成されたことを示す。
	IngestStatusIngested IngestStatus = "ingested"
	// IngestStatusDuplicate は同一URLの未削除リンクが既に存在することを示す。
	IngestStatusDuplicate IngestStatus = "duplicate"
)

// IngestResult はインジェスト操作の結果。
type IngestResult struct {
	Status IngestStatus
	LinkID string
}

// Ingest はURLを受け付けて新規リンクを作成する（URL完全一致で冪等）。
// インジェストは正当なウェイク経路でもあるため、初期化と購読確立を先に行う。
// 重複の場合は既存リンクのIDを返し、イベントは一切コミットしない。
func (a *Actor) Ingest(ctx context.Context, storeID, rawURL string) (*IngestResult, error) {
	if err := a.EnsureInitialized(ctx, storeID); err != nil {
		return nil, err
	}
	if err := a.EnsureSubscribed(ctx); err != nil {
		return nil, err
	}

	parsed, apiErr := validateIngestURL(rawURL)
	if apiErr != nil {
		return nil, apiErr
	}

	// 内部ネットワークを指すURLはフェッチ段階で必ず拒否されるため、
	// リンクを作る前に同期的にリジェクトする
	if a.deps.URLGuard != nil {
		if err := a.deps.URLGuard.ValidateURL(rawURL); err != nil {
			a.deps.Logger.Warn("安全でないURLのインジェストを拒否しました",
				slog.String("store_id", a.storeID),
				slog.String("reason", err.Error()),
			)
			return nil, model.NewSSRFBlockedError()
		}
	}

	// 重複判定とコミットの間に割り込まれると同一URLのLinkCreatedが
	// 2件コミットされるため、アクター単位で直列化する
	a.ingestMu.Lock()
	defer a.ingestMu.Unlock()

	// 重複判定はURL完全一致のみ。スキームやホストの大文字小文字、
	// 末尾スラッシュの違いはデータモデル上は別リンクとして扱う
	if existing := a.rep.FindLinkByURL(rawURL); existing != nil {
		a.deps.Logger.Info("重複URLのため新規イベントはコミットしません",
			slog.String("store_id", a.storeID),
			slog.String("link_id", existing.ID),
		)
		return &IngestResult{
			Status: IngestStatusDuplicate,
			LinkID: existing.ID,
		}, nil
	}

	id := uuid.NewString()
	e, err := event.New(a.storeID, event.TypeLinkCreated, event.LinkCreated{
		ID:        id,
		URL:       rawURL,
		Domain:    deriveDomain(parsed),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	if err := a.rep.Commit(ctx, []event.Envelope{e}); err != nil {
		return nil, fmt.Errorf("LinkCreatedのコミットに失敗: %w", err)
	}

	a.deps.Logger.Info("リンクをインジェストしました",
		slog.String("store_id", a.storeID),
		slog.String("link_id", id),
		slog.String("domain", deriveDomain(parsed)),
	)

	return &IngestResult{
		Status: IngestStatusIngested,
		LinkID: id,
	}, nil
}

// validateIngestURL はインジェスト対象URLの妥当性を検証する。
// http/httpsの絶対URLのみを受け付ける。
func validateIngestURL(rawURL string) (*url.URL, *model.APIError) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, model.NewInvalidURLError("URLが空です")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	if !parsed.IsAbs() {
		return nil, model.NewInvalidURLError("絶対URLではありません")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, model.NewInvalidURLError(fmt.Sprintf("サポート外のスキームです: %s", scheme))
	}
	if parsed.Hostname() == "" {
		return nil, model.NewInvalidURLError("ホストが空です")
	}

	return parsed, nil
}

// deriveDomain はURLのホストから先頭のwww.を除去したドメインを返す。
func deriveDomain(u *url.URL) string {
	return strings.TrimPrefix(u.Hostname(), "www.")
}
