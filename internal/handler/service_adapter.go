package handler

import (
	"github.com/hitoshi/linkman/internal/actor"
)

// RegistryAdapter はactor.Registryをハンドラーのインターフェースに適合させる。
type RegistryAdapter struct {
	Registry *actor.Registry
}

// Resolve は名前に対応するアクターを返す。
func (a *RegistryAdapter) Resolve(name string) WorkerActor {
	return a.Registry.Actor(name)
}

// ResolveSync は名前に対応する同期プッシュの受け口を返す。
func (a *RegistryAdapter) ResolveSync(name string) SyncReceiver {
	return a.Registry.Actor(name)
}
