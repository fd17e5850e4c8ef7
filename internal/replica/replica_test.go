package replica

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/linkman/internal/event"
	"github.com/hitoshi/linkman/internal/eventstore"
	"github.com/hitoshi/linkman/internal/model"
)

var errFailedSave = errors.New("書き込み失敗")

func newTestReplica(t *testing.T) (*Replica, *eventstore.MemoryLog, *eventstore.MemorySessionStore) {
	t.Helper()
	log := eventstore.NewMemoryLog()
	sessions := eventstore.NewMemorySessionStore()
	r := New("session-1", "tenant-a", log, sessions, nil, nil)
	return r, log, sessions
}

// memoryCache はテスト用のレプリカ状態キャッシュ。
type memoryCache struct {
	mu      sync.Mutex
	states  map[string][]byte
	saveErr error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{states: make(map[string][]byte)}
}

func (c *memoryCache) LoadReplicaState(sessionID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[sessionID], nil
}

func (c *memoryCache) SaveReplicaState(sessionID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.states[sessionID] = data
	return nil
}

// countingLog はListSinceの呼び出し引数を記録するログ。
type countingLog struct {
	eventstore.Log
	mu         sync.Mutex
	listAfters []int64
}

func (l *countingLog) ListSince(ctx context.Context, storeID string, afterSeq int64, limit int) ([]event.Envelope, error) {
	l.mu.Lock()
	l.listAfters = append(l.listAfters, afterSeq)
	l.mu.Unlock()
	return l.Log.ListSince(ctx, storeID, afterSeq, limit)
}

func mustEvent(t *testing.T, storeID string, typ event.Type, payload any) event.Envelope {
	t.Helper()
	e, err := event.New(storeID, typ, payload)
	if err != nil {
		t.Fatalf("イベント生成に失敗: %v", err)
	}
	return e
}

func commitLinkCreated(t *testing.T, r *Replica, id, url string, createdAt time.Time) {
	t.Helper()
	err := r.Commit(context.Background(), []event.Envelope{
		mustEvent(t, r.StoreID(), event.TypeLinkCreated, event.LinkCreated{
			ID:        id,
			URL:       url,
			Domain:    "example.com",
			CreatedAt: createdAt,
		}),
	})
	if err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}
}

func drainSnapshot(t *testing.T, r *Replica) Snapshot {
	t.Helper()
	select {
	case snap := <-r.Snapshots():
		return snap
	default:
		t.Fatal("スナップショットが発火していません")
		return Snapshot{}
	}
}

func TestReplica_CommitAppliesLocally(t *testing.T) {
	r, _, _ := newTestReplica(t)
	created := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	commitLinkCreated(t, r, "link-1", "https://example.com/a", created)

	// Commitから返った時点でローカルビューに反映済みであること
	l := r.Link("link-1")
	if l == nil {
		t.Fatal("コミット直後にリンクが参照できません")
	}
	if l.URL != "https://example.com/a" || l.Status != model.LinkStatusUnread {
		t.Errorf("リンクの内容が不正: %+v", l)
	}
	if r.LastSeq() != 1 {
		t.Errorf("LastSeq = %d, want 1", r.LastSeq())
	}
}

func TestReplica_ApplyBatch_SkipsOtherStoreAndDuplicates(t *testing.T) {
	r, _, _ := newTestReplica(t)
	ctx := context.Background()
	created := time.Now()

	e1 := mustEvent(t, "tenant-a", event.TypeLinkCreated, event.LinkCreated{ID: "link-1", URL: "https://example.com/a", CreatedAt: created})
	e1.Seq = 1
	e1.StoreID = "tenant-a"
	other := mustEvent(t, "tenant-b", event.TypeLinkCreated, event.LinkCreated{ID: "link-x", URL: "https://example.com/x", CreatedAt: created})
	other.Seq = 1
	other.StoreID = "tenant-b"

	if err := r.ApplyBatch(ctx, []event.Envelope{e1, other}); err != nil {
		t.Fatalf("ApplyBatch がエラーを返しました: %v", err)
	}
	if r.Link("link-x") != nil {
		t.Error("別ストアのイベントが適用されています")
	}
	if r.LastSeq() != 1 {
		t.Errorf("LastSeq = %d, want 1", r.LastSeq())
	}

	// 同一seqの再配信は無視される（ウェイクの重複配信に相当）
	drainSnapshot(t, r)
	if err := r.ApplyBatch(ctx, []event.Envelope{e1}); err != nil {
		t.Fatalf("ApplyBatch がエラーを返しました: %v", err)
	}
	select {
	case <-r.Snapshots():
		t.Error("重複適用でスナップショットが発火しました")
	default:
	}
}

func TestReplica_Open_ResumesFromCachedState(t *testing.T) {
	inner := eventstore.NewMemoryLog()
	log := &countingLog{Log: inner}
	sessions := eventstore.NewMemorySessionStore()
	cache := newMemoryCache()
	ctx := context.Background()

	// 1つ目のレプリカでイベントを積み、状態キャッシュを残す
	first := New("session-1", "tenant-a", inner, sessions, cache, nil)
	if err := first.Open(ctx); err != nil {
		t.Fatalf("Open がエラーを返しました: %v", err)
	}
	if err := first.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeLinkCreated, event.LinkCreated{ID: "link-1", URL: "https://example.com/a", CreatedAt: time.Now()}),
		mustEvent(t, "tenant-a", event.TypeProcessingStarted, event.ProcessingStarted{LinkID: "link-1", UpdatedAt: time.Now()}),
	}); err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}

	// 同一セッションで再起動。キャッシュから復元し、差分（なし）のみ再生する
	second := New("session-1", "tenant-a", log, sessions, cache, nil)
	if err := second.Open(ctx); err != nil {
		t.Fatalf("再起動後のOpen がエラーを返しました: %v", err)
	}
	if second.LastSeq() != 2 {
		t.Errorf("LastSeq = %d, want 2", second.LastSeq())
	}
	if l := second.Link("link-1"); l == nil || l.URL != "https://example.com/a" {
		t.Errorf("キャッシュからリンクが復元されていません: %+v", l)
	}
	if st := second.Status("link-1"); st == nil || st.Status != model.ProcessStatePending {
		t.Errorf("キャッシュから処理状態が復元されていません: %+v", st)
	}
	if !equalIDs(second.Pending(), []string{"link-1"}) {
		t.Errorf("Pending = %v, want [link-1]", second.Pending())
	}
	// 復元後の再生はキャッシュ位置からの差分のみ
	if len(log.listAfters) == 0 || log.listAfters[0] != 2 {
		t.Errorf("差分再生の開始位置 = %v, want 最初が2", log.listAfters)
	}
}

func TestReplica_Open_FallsBackToFullReplay(t *testing.T) {
	log := eventstore.NewMemoryLog()
	sessions := eventstore.NewMemorySessionStore()
	ctx := context.Background()

	// キャッシュなしでイベントを積む（位置だけがサーバーに残る状況）
	first := New("session-1", "tenant-a", log, sessions, nil, nil)
	if err := first.Open(ctx); err != nil {
		t.Fatalf("Open がエラーを返しました: %v", err)
	}
	if err := first.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeLinkCreated, event.LinkCreated{ID: "link-1", URL: "https://example.com/a", CreatedAt: time.Now()}),
	}); err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}

	// ローカル状態を失った再起動。ログ先頭から全再生して状態を再構築する
	second := New("session-1", "tenant-a", log, sessions, newMemoryCache(), nil)
	if err := second.Open(ctx); err != nil {
		t.Fatalf("再起動後のOpen がエラーを返しました: %v", err)
	}
	if second.Link("link-1") == nil {
		t.Error("全再生フォールバックで状態が再構築されていません")
	}
	if second.LastSeq() != 1 {
		t.Errorf("LastSeq = %d, want 1", second.LastSeq())
	}
}

func TestReplica_Open_IgnoresCacheForOtherStore(t *testing.T) {
	log := eventstore.NewMemoryLog()
	sessions := eventstore.NewMemorySessionStore()
	cache := newMemoryCache()
	ctx := context.Background()

	a := New("session-1", "tenant-a", log, sessions, cache, nil)
	if err := a.Open(ctx); err != nil {
		t.Fatalf("Open がエラーを返しました: %v", err)
	}
	if err := a.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeLinkCreated, event.LinkCreated{ID: "link-a", URL: "https://example.com/a", CreatedAt: time.Now()}),
	}); err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}

	// 同じセッションIDのキャッシュが別テナントのレプリカに流用されないこと
	b := New("session-1", "tenant-b", log, sessions, cache, nil)
	if err := b.Open(ctx); err != nil {
		t.Fatalf("Open がエラーを返しました: %v", err)
	}
	if b.Link("link-a") != nil {
		t.Error("別ストアのキャッシュ状態が復元されています")
	}
	if b.LastSeq() != 0 {
		t.Errorf("LastSeq = %d, want 0", b.LastSeq())
	}
}

func TestReplica_CacheSaveFailureIsNonFatal(t *testing.T) {
	log := eventstore.NewMemoryLog()
	sessions := eventstore.NewMemorySessionStore()
	cache := newMemoryCache()
	cache.saveErr = errFailedSave
	ctx := context.Background()

	r := New("session-1", "tenant-a", log, sessions, cache, nil)
	if err := r.Open(ctx); err != nil {
		t.Fatalf("Open がエラーを返しました: %v", err)
	}
	if err := r.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeLinkCreated, event.LinkCreated{ID: "link-1", URL: "https://example.com/a", CreatedAt: time.Now()}),
	}); err != nil {
		t.Fatalf("キャッシュ保存失敗でCommitがエラーになりました: %v", err)
	}
	if r.Link("link-1") == nil {
		t.Error("キャッシュ保存失敗でローカル適用まで失われています")
	}
}

func TestReplica_Pending_Membership(t *testing.T) {
	r, _, _ := newTestReplica(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	commitLinkCreated(t, r, "link-1", "https://example.com/1", base)
	commitLinkCreated(t, r, "link-2", "https://example.com/2", base.Add(time.Minute))
	commitLinkCreated(t, r, "link-3", "https://example.com/3", base.Add(2*time.Minute))
	commitLinkCreated(t, r, "link-4", "https://example.com/4", base.Add(3*time.Minute))

	now := time.Now()
	// link-1: 処理完了 → 対象外
	// link-2: 処理失敗 → 対象（リトライ候補）
	// link-3: pending → 対象
	// link-4: ソフトデリート → 対象外
	err := r.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeProcessingStarted, event.ProcessingStarted{LinkID: "link-1", UpdatedAt: now}),
		mustEvent(t, "tenant-a", event.TypeProcessingCompleted, event.ProcessingCompleted{LinkID: "link-1", UpdatedAt: now}),
		mustEvent(t, "tenant-a", event.TypeProcessingStarted, event.ProcessingStarted{LinkID: "link-2", UpdatedAt: now}),
		mustEvent(t, "tenant-a", event.TypeProcessingFailed, event.ProcessingFailed{LinkID: "link-2", Error: "internal_error", UpdatedAt: now}),
		mustEvent(t, "tenant-a", event.TypeProcessingStarted, event.ProcessingStarted{LinkID: "link-3", UpdatedAt: now}),
		mustEvent(t, "tenant-a", event.TypeLinkDeleted, event.LinkLifecycle{LinkID: "link-4", UpdatedAt: now}),
	})
	if err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}

	got := r.Pending()
	want := []string{"link-2", "link-3"}
	if !equalIDs(got, want) {
		t.Errorf("Pending = %v, want %v", got, want)
	}
}

func TestReplica_Pending_ReadCompletionDoesNotRemove(t *testing.T) {
	r, _, _ := newTestReplica(t)
	ctx := context.Background()

	commitLinkCreated(t, r, "link-1", "https://example.com/1", time.Now())

	// 読了（ユーザー操作）は処理完了ではないため、ペンディングには残る
	err := r.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeLinkCompleted, event.LinkLifecycle{LinkID: "link-1", UpdatedAt: time.Now()}),
	})
	if err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}

	got := r.Pending()
	if !equalIDs(got, []string{"link-1"}) {
		t.Errorf("Pending = %v, want [link-1]（読了は処理対象から外さない）", got)
	}

	l := r.Link("link-1")
	if l.Status != model.LinkStatusCompleted || l.CompletedAt == nil {
		t.Errorf("読了状態が反映されていません: %+v", l)
	}
}

func TestReplica_Pending_SortedByCreatedAtThenID(t *testing.T) {
	r, _, _ := newTestReplica(t)
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	// 逆順で登録しても作成日時昇順で並ぶ。同時刻はID昇順。
	commitLinkCreated(t, r, "link-c", "https://example.com/c", base.Add(time.Hour))
	commitLinkCreated(t, r, "link-b", "https://example.com/b", base)
	commitLinkCreated(t, r, "link-a", "https://example.com/a", base)

	got := r.Pending()
	want := []string{"link-a", "link-b", "link-c"}
	if !equalIDs(got, want) {
		t.Errorf("Pending = %v, want %v", got, want)
	}
}

func TestReplica_SnapshotEmission(t *testing.T) {
	r, _, _ := newTestReplica(t)
	ctx := context.Background()

	commitLinkCreated(t, r, "link-1", "https://example.com/1", time.Now())
	snap := drainSnapshot(t, r)
	if !equalIDs(snap.LinkIDs, []string{"link-1"}) {
		t.Errorf("スナップショット = %v, want [link-1]", snap.LinkIDs)
	}

	// メンバーシップが変化しないイベント（メタデータ追記）では発火しない
	err := r.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeMetadataFetched, event.MetadataFetched{ID: "meta-1", LinkID: "link-1", Title: "t", FetchedAt: time.Now()}),
	})
	if err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}
	select {
	case snap := <-r.Snapshots():
		t.Errorf("メンバーシップ不変でスナップショットが発火しました: %v", snap.LinkIDs)
	default:
	}

	// 処理完了でメンバーシップが空になり、再度発火する
	err = r.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeProcessingCompleted, event.ProcessingCompleted{LinkID: "link-1", UpdatedAt: time.Now()}),
	})
	if err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}
	snap = drainSnapshot(t, r)
	if len(snap.LinkIDs) != 0 {
		t.Errorf("スナップショット = %v, want 空", snap.LinkIDs)
	}
}

func TestReplica_SnapshotCoalescing(t *testing.T) {
	r, _, _ := newTestReplica(t)
	base := time.Now()

	// 消費者が遅い間に複数回発火しても、受け取るのは最新の1件のみ
	commitLinkCreated(t, r, "link-1", "https://example.com/1", base)
	commitLinkCreated(t, r, "link-2", "https://example.com/2", base.Add(time.Second))
	commitLinkCreated(t, r, "link-3", "https://example.com/3", base.Add(2*time.Second))

	snap := drainSnapshot(t, r)
	if len(snap.LinkIDs) != 3 {
		t.Errorf("コアレス後のスナップショット = %v, want 3件", snap.LinkIDs)
	}
	select {
	case snap := <-r.Snapshots():
		t.Errorf("コアレスされず複数スナップショットが残っています: %v", snap.LinkIDs)
	default:
	}
}

func TestReplica_EmitCurrent(t *testing.T) {
	r, _, _ := newTestReplica(t)

	commitLinkCreated(t, r, "link-1", "https://example.com/1", time.Now())
	drainSnapshot(t, r)

	// 変化がなくてもEmitCurrentは無条件に発火する（購読直後の初回ディスパッチ用）
	r.EmitCurrent()
	snap := drainSnapshot(t, r)
	if !equalIDs(snap.LinkIDs, []string{"link-1"}) {
		t.Errorf("EmitCurrentのスナップショット = %v, want [link-1]", snap.LinkIDs)
	}
}

func TestReplica_FindLinkByURL(t *testing.T) {
	r, _, _ := newTestReplica(t)
	ctx := context.Background()

	commitLinkCreated(t, r, "link-1", "https://example.com/a", time.Now())

	if got := r.FindLinkByURL("https://example.com/a"); got == nil || got.ID != "link-1" {
		t.Errorf("FindLinkByURL = %v, want link-1", got)
	}
	// 正規化は行わない。末尾スラッシュ違いは別URL扱い。
	if got := r.FindLinkByURL("https://example.com/a/"); got != nil {
		t.Errorf("完全一致でないURLがヒットしました: %+v", got)
	}

	// 削除済みリンクは検索対象外
	err := r.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeLinkDeleted, event.LinkLifecycle{LinkID: "link-1", UpdatedAt: time.Now()}),
	})
	if err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}
	if got := r.FindLinkByURL("https://example.com/a"); got != nil {
		t.Errorf("削除済みリンクがヒットしました: %+v", got)
	}

	// 復元すると再びヒットする
	err = r.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeLinkRestored, event.LinkLifecycle{LinkID: "link-1", UpdatedAt: time.Now()}),
	})
	if err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}
	if got := r.FindLinkByURL("https://example.com/a"); got == nil {
		t.Error("復元済みリンクがヒットしません")
	}
}

func TestReplica_LatestMetadataAndSummary(t *testing.T) {
	r, _, _ := newTestReplica(t)
	ctx := context.Background()

	commitLinkCreated(t, r, "link-1", "https://example.com/a", time.Now())

	if r.LatestMetadata("link-1") != nil || r.LatestSummary("link-1") != nil {
		t.Fatal("履歴なしでnil以外が返りました")
	}

	err := r.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeMetadataFetched, event.MetadataFetched{ID: "meta-1", LinkID: "link-1", Title: "古いタイトル", FetchedAt: time.Now()}),
		mustEvent(t, "tenant-a", event.TypeMetadataFetched, event.MetadataFetched{ID: "meta-2", LinkID: "link-1", Title: "新しいタイトル", FetchedAt: time.Now()}),
		mustEvent(t, "tenant-a", event.TypeSummarized, event.Summarized{ID: "sum-1", LinkID: "link-1", Summary: "要約", Model: "gpt-4o-mini", SummarizedAt: time.Now()}),
	})
	if err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}

	meta := r.LatestMetadata("link-1")
	if meta == nil || meta.Title != "新しいタイトル" {
		t.Errorf("LatestMetadata = %+v, want 最新スナップショット", meta)
	}
	sum := r.LatestSummary("link-1")
	if sum == nil || sum.Summary != "要約" || sum.Model != "gpt-4o-mini" {
		t.Errorf("LatestSummary = %+v", sum)
	}
}

func TestReplica_StatusTransitions(t *testing.T) {
	r, _, _ := newTestReplica(t)
	ctx := context.Background()

	commitLinkCreated(t, r, "link-1", "https://example.com/a", time.Now())
	if r.Status("link-1") != nil {
		t.Fatal("状態行がないのにnil以外が返りました")
	}

	now := time.Now()
	err := r.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeProcessingStarted, event.ProcessingStarted{LinkID: "link-1", UpdatedAt: now}),
	})
	if err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}
	if st := r.Status("link-1"); st == nil || st.Status != model.ProcessStatePending {
		t.Errorf("Status = %+v, want pending", st)
	}

	err = r.Commit(ctx, []event.Envelope{
		mustEvent(t, "tenant-a", event.TypeProcessingFailed, event.ProcessingFailed{LinkID: "link-1", Error: "store_error", UpdatedAt: now}),
	})
	if err != nil {
		t.Fatalf("Commit がエラーを返しました: %v", err)
	}
	if st := r.Status("link-1"); st == nil || st.Status != model.ProcessStateFailed || st.Error != "store_error" {
		t.Errorf("Status = %+v, want failed/store_error", st)
	}
}

func TestReplica_AccessorsReturnCopies(t *testing.T) {
	r, _, _ := newTestReplica(t)

	commitLinkCreated(t, r, "link-1", "https://example.com/a", time.Now())

	l := r.Link("link-1")
	l.URL = "https://tampered.example.com/"
	if r.Link("link-1").URL != "https://example.com/a" {
		t.Error("Linkの返り値が内部状態を共有しています")
	}
}
