package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/linkman/internal/event"
)

// MemoryLog はメモリ上のイベントログ。
// ローカル開発およびテスト用。プロセス終了でデータは失われる。
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string][]event.Envelope
}

// NewMemoryLog はMemoryLogを生成する。
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string][]event.Envelope),
	}
}

// Append はイベント群をストアごとのストリームに追記する。
func (l *MemoryLog) Append(ctx context.Context, storeID string, events []event.Envelope) ([]event.Envelope, error) {
	if len(events) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stream := l.streams[storeID]
	lastSeq := int64(0)
	if len(stream) > 0 {
		lastSeq = stream[len(stream)-1].Seq
	}

	now := time.Now()
	committed := make([]event.Envelope, 0, len(events))
	for _, e := range events {
		lastSeq++
		e.StoreID = storeID
		e.Seq = lastSeq
		e.CommittedAt = now
		stream = append(stream, e)
		committed = append(committed, e)
	}
	l.streams[storeID] = stream

	return committed, nil
}

// ListSince は指定シーケンス番号より後のイベントをseq昇順で返す。
func (l *MemoryLog) ListSince(ctx context.Context, storeID string, afterSeq int64, limit int) ([]event.Envelope, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []event.Envelope
	for _, e := range l.streams[storeID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len は指定ストアのイベント総数を返す。テストおよびメトリクス用。
func (l *MemoryLog) Len(storeID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams[storeID])
}

// memorySession はセッション1件の位置情報。
type memorySession struct {
	storeID string
	lastSeq int64
}

// MemorySessionStore はメモリ上のセッション位置ストア。テスト用。
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
}

// NewMemorySessionStore はMemorySessionStoreを生成する。
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]memorySession),
	}
}

// FindPosition は指定セッションの適用済みシーケンス番号を返す。未登録の場合は0。
func (s *MemorySessionStore) FindPosition(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID].lastSeq, nil
}

// SavePosition はセッションの適用済みシーケンス番号を保存する。前進のみ許可。
func (s *MemorySessionStore) SavePosition(ctx context.Context, sessionID, storeID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.sessions[sessionID]
	if seq > cur.lastSeq {
		cur.lastSeq = seq
	}
	cur.storeID = storeID
	s.sessions[sessionID] = cur
	return nil
}

// compile-time interface check
var (
	_ Log          = (*MemoryLog)(nil)
	_ SessionStore = (*MemorySessionStore)(nil)
)
