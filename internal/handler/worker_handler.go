// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/linkman/internal/actor"
	"github.com/hitoshi/linkman/internal/middleware"
	"github.com/hitoshi/linkman/internal/model"
)

// WorkerActor はワーカーハンドラーが必要とするアクター操作のインターフェース。
type WorkerActor interface {
	// EnsureInitialized はアクターを冪等に初期化する。
	EnsureInitialized(ctx context.Context, storeID string) error
	// EnsureSubscribed はペンディングビューの購読を冪等に確立する。
	EnsureSubscribed(ctx context.Context) error
	// Ingest はURLを受け付けて新規リンクを作成する。
	Ingest(ctx context.Context, storeID, rawURL string) (*actor.IngestResult, error)
}

// ActorResolver は名前からアクターを解決するインターフェース。
type ActorResolver interface {
	Resolve(name string) WorkerActor
}

// IngestRecorder はインジェスト結果のメトリクス記録インターフェース。
type IngestRecorder interface {
	RecordIngest(result string)
}

// WorkerHandler はテナントワーカーエンドポイントのHTTPハンドラー。
type WorkerHandler struct {
	resolver ActorResolver
	metrics  IngestRecorder
	logger   *slog.Logger
}

// NewWorkerHandler はWorkerHandlerを生成する。metricsはnil可。
func NewWorkerHandler(resolver ActorResolver, metrics IngestRecorder, logger *slog.Logger) *WorkerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerHandler{
		resolver: resolver,
		metrics:  metrics,
		logger:   logger,
	}
}

// ingestResponse はインジェスト成功時のレスポンス。
type ingestResponse struct {
	LinkID string `json:"linkId"`
	Status string `json:"status"`
}

// ingestErrorResponse はインジェスト失敗時のレスポンス。
type ingestErrorResponse struct {
	Error string `json:"error"`
}

// Fetch はテナントワーカーの起動・インジェストを処理する。
// GET /worker?storeId=<id>[&ingest=<url>]
//   - ingestあり: URLをインジェストして {linkId, status} を返す
//   - ingestなし: アクターの初期化と購読確立のみを行い ok を返す
func (h *WorkerHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("storeId")
	if storeID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingStoreIDError())
		return
	}

	a := h.resolver.Resolve(storeID)

	if ingestURL := r.URL.Query().Get("ingest"); ingestURL != "" {
		h.handleIngest(w, r, a, storeID, ingestURL)
		return
	}

	if err := a.EnsureInitialized(r.Context(), storeID); err != nil {
		h.writeActorError(w, storeID, err)
		return
	}
	if err := a.EnsureSubscribed(r.Context()); err != nil {
		h.writeActorError(w, storeID, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleIngest はインジェストリクエストを処理する。
// バリデーションエラーは {error} 形式の400で返す（状態は一切変更されない）。
func (h *WorkerHandler) handleIngest(w http.ResponseWriter, r *http.Request, a WorkerActor, storeID, ingestURL string) {
	result, err := a.Ingest(r.Context(), storeID, ingestURL)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) &&
			(apiErr.Code == model.ErrCodeInvalidURL || apiErr.Code == model.ErrCodeSSRFBlocked) {
			h.recordIngest("rejected")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(ingestErrorResponse{Error: apiErr.Message})
			return
		}
		h.recordIngest("error")
		h.writeActorError(w, storeID, err)
		return
	}

	h.recordIngest(string(result.Status))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ingestResponse{
		LinkID: result.LinkID,
		Status: string(result.Status),
	})
}

// recordIngest はインジェスト結果のメトリクスを記録する。
func (h *WorkerHandler) recordIngest(result string) {
	if h.metrics != nil {
		h.metrics.RecordIngest(result)
	}
}

// writeActorError はアクター操作のエラーを統一フォーマットで書き込む。
func (h *WorkerHandler) writeActorError(w http.ResponseWriter, storeID string, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		h.logger.Error("ワーカー操作に失敗しました",
			slog.String("store_id", storeID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	status := http.StatusInternalServerError
	switch apiErr.Code {
	case model.ErrCodeInvalidURL, model.ErrCodeSSRFBlocked, model.ErrCodeMissingStoreID:
		status = http.StatusBadRequest
	case model.ErrCodeStoreMismatch:
		status = http.StatusConflict
	case model.ErrCodeStoreOpenFail:
		status = http.StatusServiceUnavailable
	}

	h.logger.Warn("ワーカー操作がエラーで終了しました",
		slog.String("store_id", storeID),
		slog.String("code", apiErr.Code),
	)
	middleware.WriteErrorResponse(w, status, apiErr)
}
