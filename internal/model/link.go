// Package model はドメインモデルを定義する。
package model

import "time"

// Link は保存されたURLを表す。
// 作成後にURL・ドメインが変わることはなく、パイプラインは派生データの付与のみを行う。
type Link struct {
	ID          string
	URL         string
	Domain      string
	Status      LinkStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
	DeletedAt   *time.Time // ソフトデリートマーカー
}

// LinkStatus はリンクの閲読状態を表す。
type LinkStatus string

const (
	// LinkStatusUnread は未読状態。
	LinkStatusUnread LinkStatus = "unread"
	// LinkStatusCompleted は読了状態。
	LinkStatusCompleted LinkStatus = "completed"
)

// IsDeleted はリンクがソフトデリート済みかを返す。
func (l *Link) IsDeleted() bool {
	return l.DeletedAt != nil
}
