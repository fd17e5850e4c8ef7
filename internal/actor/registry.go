package actor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/linkman/internal/event"
)

// wakeTimeout はウェイク1回あたりの同期処理の上限時間。
const wakeTimeout = 30 * time.Second

// Registry はstoreIdごとのアクターを管理する。
// アクターはプロセス内に1テナント1インスタンスで、初回アクセス時に生成される。
// eventstore.Wakerを実装し、LinkCreatedコミット時のウェイク先となる。
type Registry struct {
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewRegistry はRegistryを生成する。
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		deps:   deps,
		logger: deps.Logger,
		actors: make(map[string]*Actor),
	}
}

// Actor は名前に対応するアクターを返す（なければ生成する）。
// 名前は通常storeIdと同一で、永続状態のキー空間を兼ねる。
func (r *Registry) Actor(name string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[name]; ok {
		return a
	}
	a := New(name, r.deps)
	r.actors[name] = a
	return a
}

// Wake はコミット済みイベントを該当テナントのアクターに届ける。
// アクター側でシーケンス番号による重複排除が行われるため、
// 同一バッチが複数経路から届いても安全。エラーはログに残すのみ。
func (r *Registry) Wake(storeID string, batch []event.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), wakeTimeout)
	defer cancel()

	a := r.Actor(storeID)
	if err := a.OnSyncUpdate(ctx, batch); err != nil {
		r.logger.Error("アクターのウェイクに失敗しました",
			slog.String("store_id", storeID),
			slog.Int("batch_size", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

// Close は全アクターを停止し、実行中のジョブの完了を待つ。
func (r *Registry) Close() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.Close()
	}
}
