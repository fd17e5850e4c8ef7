package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/linkman/internal/event"
	"github.com/hitoshi/linkman/internal/middleware"
	"github.com/hitoshi/linkman/internal/model"
)

// SyncReceiver は同期バックエンドからのプッシュを受け取るインターフェース。
type SyncReceiver interface {
	OnSyncUpdate(ctx context.Context, batch []event.Envelope) error
}

// SyncResolver は名前からSyncReceiverを解決するインターフェース。
type SyncResolver interface {
	ResolveSync(name string) SyncReceiver
}

// SyncHandler は同期バックエンドからの内部RPCのHTTPハンドラー。
// 公開APIではなく、同一ネットワーク内の同期バックエンドからのみ呼ばれる想定。
type SyncHandler struct {
	resolver SyncResolver
	logger   *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(resolver SyncResolver, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{
		resolver: resolver,
		logger:   logger,
	}
}

// syncRequest は同期プッシュリクエストのボディ。
type syncRequest struct {
	Actor  string           `json:"actor"`
	Events []event.Envelope `json:"events"`
}

// syncResponse は同期プッシュレスポンス。
type syncResponse struct {
	Applied int `json:"applied"`
}

// Push は新規イベントのバッチを該当アクターに適用する。
// POST /internal/sync
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if req.Actor == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "actorフィールドが指定されていません。",
			Category: "validation",
			Action:   "actorフィールドを指定してください。",
		})
		return
	}

	receiver := h.resolver.ResolveSync(req.Actor)
	if err := receiver.OnSyncUpdate(r.Context(), req.Events); err != nil {
		h.logger.Error("同期プッシュの適用に失敗しました",
			slog.String("actor", req.Actor),
			slog.Int("events", len(req.Events)),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(syncResponse{Applied: len(req.Events)})
}
