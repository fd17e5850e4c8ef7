// Package event はイベントソーシングされたログに追記されるイベントの型を定義する。
// パイプラインの書き込みはすべてイベントとしてログに追記され、
// 直接のミューテーションは行わない。ログが唯一の書き込み主体である。
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type はイベント種別を表す。
type Type string

const (
	// TypeLinkCreated はリンク作成イベント。
	TypeLinkCreated Type = "LinkCreated"
	// TypeProcessingStarted は処理開始イベント。ProcessingStatus行をpendingで作成する。
	TypeProcessingStarted Type = "ProcessingStarted"
	// TypeMetadataFetched はメタデータ取得成功イベント。
	TypeMetadataFetched Type = "MetadataFetched"
	// TypeSummarized はAIサマリー生成成功イベント。
	TypeSummarized Type = "Summarized"
	// TypeProcessingCompleted は処理正常終了イベント。
	TypeProcessingCompleted Type = "ProcessingCompleted"
	// TypeProcessingFailed は処理失敗イベント。errorにはエラー分類のみを含める。
	TypeProcessingFailed Type = "ProcessingFailed"

	// 以下はクライアント側のユーザー操作で追記されるイベント。
	// パイプラインは発行しないが、レプリカは再生時に適用する。

	// TypeLinkCompleted はリンクの読了イベント。
	TypeLinkCompleted Type = "LinkCompleted"
	// TypeLinkUncompleted はリンクの読了取り消しイベント。
	TypeLinkUncompleted Type = "LinkUncompleted"
	// TypeLinkDeleted はリンクのソフトデリートイベント。
	TypeLinkDeleted Type = "LinkDeleted"
	// TypeLinkRestored はソフトデリートの取り消しイベント。
	TypeLinkRestored Type = "LinkRestored"
)

// Envelope はログに追記されるイベント1件を表す。
// Seqはストア（テナント）ごとの単調増加シーケンス番号で、ログへの追記時に採番される。
type Envelope struct {
	Seq         int64           `json:"seq"`
	StoreID     string          `json:"store_id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CommittedAt time.Time       `json:"committed_at"`
}

// LinkCreated はリンク作成イベントのペイロード。
type LinkCreated struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcessingStarted は処理開始イベントのペイロード。
type ProcessingStarted struct {
	LinkID    string    `json:"link_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MetadataFetched はメタデータ取得イベントのペイロード。
// title/description/image/faviconは個別にnullable（空文字で省略可能）。
type MetadataFetched struct {
	ID          string    `json:"id"`
	LinkID      string    `json:"link_id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Image       string    `json:"image,omitempty"`
	Favicon     string    `json:"favicon,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Summarized はサマリー生成イベントのペイロード。
type Summarized struct {
	ID           string    `json:"id"`
	LinkID       string    `json:"link_id"`
	Summary      string    `json:"summary"`
	Model        string    `json:"model"`
	SummarizedAt time.Time `json:"summarized_at"`
}

// ProcessingCompleted は処理正常終了イベントのペイロード。
type ProcessingCompleted struct {
	LinkID    string    `json:"link_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessingFailed は処理失敗イベントのペイロード。
// Errorには分類文字列（store_error/panic/internal_error）のみを入れる。
type ProcessingFailed struct {
	LinkID    string    `json:"link_id"`
	Error     string    `json:"error"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LinkLifecycle はユーザー操作系イベント共通のペイロード。
type LinkLifecycle struct {
	LinkID    string    `json:"link_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New はペイロードをJSONにエンコードしてEnvelopeを生成する。
// Seq/CommittedAtはログへの追記時に採番されるため、ここではゼロ値のまま。
func New(storeID string, t Type, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("イベントペイロードのエンコードに失敗: %w", err)
	}
	return Envelope{
		StoreID: storeID,
		Type:    t,
		Payload: raw,
	}, nil
}

// Decode はEnvelopeのペイロードを指定の型にデコードする。
func Decode(e Envelope, out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("イベントペイロードのデコードに失敗 (type=%s, seq=%d): %w", e.Type, e.Seq, err)
	}
	return nil
}
