// Package actor はテナントごとの耐久ワーカーアクターを提供する。
// アクターはイベントストアのレプリカを1つ所有し、ペンディングビューを購読して
// リンク処理ジョブをディスパッチする。プロセス再起動をまたぐ状態は
// 永続ストレージ上のsessionId/storeIdのみである。
package actor

import "sync"

// Guard はこのワーカーインスタンスで処理中のリンクIDの集合。
// 同一リンクへの二重ディスパッチを防ぐ唯一の直列化プリミティブで、
// リンクID単位で直列化する（アクター全体ではない）。
type Guard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewGuard はGuardを生成する。
func NewGuard() *Guard {
	return &Guard{
		inflight: make(map[string]struct{}),
	}
}

// TryAcquire はリンクIDの処理権を取得する。
// 既に処理中の場合はfalseを返す。
func (g *Guard) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.inflight[id]; exists {
		return false
	}
	g.inflight[id] = struct{}{}
	return true
}

// Release はリンクIDの処理権を解放する。
// ジョブの成否に関わらずジョブ終了時に必ず呼び出すこと。
func (g *Guard) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, id)
}

// Has はリンクIDが処理中かを返す。
func (g *Guard) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, exists := g.inflight[id]
	return exists
}

// Len は処理中のリンク数を返す。テストおよびメトリクス用。
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
