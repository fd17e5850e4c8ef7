package eventstore

import (
	"context"
	"log/slog"

	"github.com/hitoshi/linkman/internal/event"
)

// NotifyingLog はイベントログをラップし、LinkCreatedを含むバッチのコミットを
// 検知してテナントのアクターをウェイクする。
// ウェイクは非同期のベストエフォート通知であり、失敗してもコミット結果には影響しない。
// Wakerは構築時に型付きハンドルとして注入する（グローバル参照は持たない）。
type NotifyingLog struct {
	inner  Log
	waker  Waker
	logger *slog.Logger
}

// NewNotifyingLog はNotifyingLogを生成する。
func NewNotifyingLog(inner Log, waker Waker, logger *slog.Logger) *NotifyingLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyingLog{
		inner:  inner,
		waker:  waker,
		logger: logger,
	}
}

// Append はイベント群を追記し、バッチにLinkCreatedが含まれる場合はウェイクを発火する。
func (l *NotifyingLog) Append(ctx context.Context, storeID string, events []event.Envelope) ([]event.Envelope, error) {
	committed, err := l.inner.Append(ctx, storeID, events)
	if err != nil {
		return nil, err
	}

	if l.waker != nil && containsLinkCreated(committed) {
		batch := committed
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					l.logger.Error("ウェイク通知でpanicが発生しました",
						slog.String("store_id", storeID),
						slog.Any("panic", rec),
					)
				}
			}()
			l.waker.Wake(storeID, batch)
		}()
	}

	return committed, nil
}

// ListSince は内側のログに委譲する。
func (l *NotifyingLog) ListSince(ctx context.Context, storeID string, afterSeq int64, limit int) ([]event.Envelope, error) {
	return l.inner.ListSince(ctx, storeID, afterSeq, limit)
}

// containsLinkCreated はバッチにLinkCreatedイベントが含まれるかを返す。
func containsLinkCreated(events []event.Envelope) bool {
	for _, e := range events {
		if e.Type == event.TypeLinkCreated {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ Log = (*NotifyingLog)(nil)
