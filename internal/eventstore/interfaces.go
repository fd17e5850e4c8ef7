// Package eventstore はイベントソーシングされた複製ストアの追記・照会インターフェースと
// その実装を提供する。パイプラインから見たストアは不透明なcommit/query境界であり、
// 書き込み競合の解決やクライアントへの伝播はストア側の責務とする。
package eventstore

import (
	"context"

	"github.com/hitoshi/linkman/internal/event"
)

// Log はテナントごとの追記専用イベントログのインターフェース。
type Log interface {
	// Append はイベント群を1バッチとしてログに追記し、
	// シーケンス番号と追記時刻を採番したEnvelopeを返す。
	Append(ctx context.Context, storeID string, events []event.Envelope) ([]event.Envelope, error)

	// ListSince は指定シーケンス番号より後のイベントをseq昇順で最大limit件返す。
	// limitが0以下の場合はデフォルト値を使用する。
	ListSince(ctx context.Context, storeID string, afterSeq int64, limit int) ([]event.Envelope, error)
}

// SessionStore はレプリカの同期位置（セッション）の永続化インターフェース。
// セッションIDはプロセス再起動をまたいでログ全体の再生を避けるための唯一の状態である。
type SessionStore interface {
	// FindPosition は指定セッションの適用済みシーケンス番号を返す。
	// セッションが未登録の場合は0を返す。
	FindPosition(ctx context.Context, sessionID string) (int64, error)

	// SavePosition はセッションの適用済みシーケンス番号を冪等に保存する。
	SavePosition(ctx context.Context, sessionID, storeID string, seq int64) error
}

// Waker はコミットされたバッチを検知してテナントのアクターを起こす通知先。
// ベストエフォートであり、正確性はアクター側のビュー/ガード機構が保証する。
type Waker interface {
	// Wake は指定テナントのアクターにイベントバッチを通知する。
	Wake(storeID string, batch []event.Envelope)
}

// WakerFunc は関数をWakerとして使うためのアダプタ。
type WakerFunc func(storeID string, batch []event.Envelope)

// Wake はWakerインターフェースを実装する。
func (f WakerFunc) Wake(storeID string, batch []event.Envelope) {
	f(storeID, batch)
}
