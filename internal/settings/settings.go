// Package settings はテナントごとの機能設定の永続化を提供する。
package settings

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/linkman/internal/model"
)

// TenantSettingsRepository はテナント設定の読み込みインターフェース。
type TenantSettingsRepository interface {
	// Features は指定テナントの機能フラグを取得する。
	// 行が存在しない場合はデフォルト値（全機能無効）を返す。
	Features(ctx context.Context, storeID string) (model.TenantFeatures, error)
}

// PostgresTenantSettingsRepo はPostgreSQLを使用したテナント設定リポジトリ。
type PostgresTenantSettingsRepo struct {
	db *sql.DB
}

// NewPostgresTenantSettingsRepo はPostgresTenantSettingsRepoを生成する。
func NewPostgresTenantSettingsRepo(db *sql.DB) *PostgresTenantSettingsRepo {
	return &PostgresTenantSettingsRepo{db: db}
}

// Features は指定テナントの機能フラグを取得する。
// フラグはジョブごとに読み直される前提のため、キャッシュはしない。
func (r *PostgresTenantSettingsRepo) Features(ctx context.Context, storeID string) (model.TenantFeatures, error) {
	var features model.TenantFeatures
	err := r.db.QueryRowContext(ctx,
		`SELECT ai_summary_enabled FROM tenant_settings WHERE store_id = $1`,
		storeID,
	).Scan(&features.AISummaryEnabled)

	if err == sql.ErrNoRows {
		return model.TenantFeatures{}, nil
	}
	if err != nil {
		return model.TenantFeatures{}, fmt.Errorf("failed to find tenant settings: %w", err)
	}

	return features, nil
}

// Upsert は指定テナントの機能フラグを作成または更新する。
func (r *PostgresTenantSettingsRepo) Upsert(ctx context.Context, storeID string, features model.TenantFeatures) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenant_settings (store_id, ai_summary_enabled, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (store_id)
		 DO UPDATE SET ai_summary_enabled = EXCLUDED.ai_summary_enabled, updated_at = NOW()`,
		storeID, features.AISummaryEnabled,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant settings: %w", err)
	}
	return nil
}

// StaticTenantSettings は全テナント共通の固定フラグを返す実装。テストやローカル開発用。
type StaticTenantSettings struct {
	Flags model.TenantFeatures
}

// Features は固定フラグを返す。
func (s *StaticTenantSettings) Features(_ context.Context, _ string) (model.TenantFeatures, error) {
	return s.Flags, nil
}
