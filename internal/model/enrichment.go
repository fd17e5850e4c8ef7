// Package model はドメインモデルを定義する。
package model

import "time"

// MetadataSnapshot はメタデータ取得1回分の不変レコードを表す。
// リンクごとに複数存在しうる（履歴）。読み手はFetchedAtが最新のものを採用する。
type MetadataSnapshot struct {
	ID          string
	LinkID      string
	Title       string
	Description string
	Image       string
	Favicon     string
	FetchedAt   time.Time
}

// Summary はAI生成サマリー1回分の不変レコードを表す。
// MetadataSnapshotと同じ追記専用・最新優先のパターンに従う。
type Summary struct {
	ID           string
	LinkID       string
	Summary      string
	Model        string
	SummarizedAt time.Time
}

// PageMetadata はメタデータフェッチャーが返す取得結果。
// 各フィールドは独立してnullable（空文字は未取得を意味する）。
type PageMetadata struct {
	Title       string
	Description string
	Image       string
	Favicon     string
}

// IsEmpty は全フィールドが未取得かを返す。
func (m *PageMetadata) IsEmpty() bool {
	return m.Title == "" && m.Description == "" && m.Image == "" && m.Favicon == ""
}

// ExtractedContent はコンテンツ抽出の結果を表す。
type ExtractedContent struct {
	Title       string
	Content     string // サニタイズ済みHTMLから変換したMarkdown
	TextContent string // プレーンテキスト
}

// TenantFeatures はテナントごとの機能フラグを表す。
// ジョブ実行のたびに読み直す（エンキュー後に変更されうるため）。
type TenantFeatures struct {
	AISummaryEnabled bool
}
