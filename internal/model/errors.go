// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, actor, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidURL     = "INVALID_URL"
	ErrCodeSSRFBlocked    = "SSRF_BLOCKED"
	ErrCodeMissingStoreID = "MISSING_STORE_ID"
	ErrCodeStoreMismatch  = "STORE_MISMATCH"
	ErrCodeStoreUnknown   = "STORE_UNKNOWN"
	ErrCodeStoreOpenFail  = "STORE_OPEN_FAILED"
)

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まる絶対URL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewMissingStoreIDError はstoreId未指定エラーを生成する。
func NewMissingStoreIDError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingStoreID,
		Message:  "storeIdクエリパラメータが指定されていません。",
		Category: "validation",
		Action:   "storeIdクエリパラメータを指定してください。",
	}
}

// NewStoreMismatchError はアクターが別テナントに束縛済みの場合のエラーを生成する。
func NewStoreMismatchError(bound, requested string) *APIError {
	return &APIError{
		Code:     ErrCodeStoreMismatch,
		Message:  fmt.Sprintf("アクターは別のストアに束縛されています: bound=%s requested=%s", bound, requested),
		Category: "actor",
		Action:   "正しいstoreIdでリクエストしてください。",
	}
}

// NewStoreUnknownError はstoreIdを永続ストレージからも復元できない場合のエラーを生成する。
func NewStoreUnknownError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnknown,
		Message:  "storeIdがメモリにも永続ストレージにも存在しません。",
		Category: "actor",
		Action:   "storeIdを指定したリクエストで初期化してください。",
	}
}

// NewStoreOpenFailedError はレプリカのオープン失敗エラーを生成する。
func NewStoreOpenFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeStoreOpenFail,
		Message:  fmt.Sprintf("イベントストアのレプリカを開けませんでした: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
