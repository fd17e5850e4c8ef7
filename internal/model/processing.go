// Package model はドメインモデルを定義する。
package model

import "time"

// ProcessingStatus はリンク1件のエンリッチメント進捗を表す。
// リンクごとに最大1行。行が存在しないリンクは初回処理の対象となる。
type ProcessingStatus struct {
	LinkID    string
	Status    ProcessState
	Error     string // 失敗時のエラー分類（生のエラーメッセージは保存しない）
	UpdatedAt time.Time
}

// ProcessState は処理状態を表す。
type ProcessState string

const (
	// ProcessStatePending は処理中（または処理が中断されたまま）の状態。
	ProcessStatePending ProcessState = "pending"
	// ProcessStateCompleted は処理が正常終了した状態。
	ProcessStateCompleted ProcessState = "completed"
	// ProcessStateFailed は処理が回復不能エラーで終了した状態。
	// failedは次回のウェイクで再処理対象となる。
	ProcessStateFailed ProcessState = "failed"
)

// IsTerminal は状態が終了状態（completed/failed）かを返す。
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateCompleted || s == ProcessStateFailed
}
