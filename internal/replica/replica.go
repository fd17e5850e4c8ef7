// Package replica はイベントログのローカルな結果整合的マテリアライゼーションを提供する。
// リンク・処理状態・メタデータ・サマリーのテーブルをメモリ上に再生し、
// 「処理が必要なリンク」の集合（ペンディングビュー）を継続的に再計算する。
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hitoshi/linkman/internal/event"
	"github.com/hitoshi/linkman/internal/eventstore"
	"github.com/hitoshi/linkman/internal/model"
)

// Snapshot はペンディングビューの1回分の通知。
// 処理が必要なリンクIDの集合を作成日時昇順で含む。
type Snapshot struct {
	LinkIDs []string
}

// Cache はレプリカの具現化済み状態のローカル永続キャッシュ。
// セッションIDをキーに、ログ全再生なしのコールドスタート再開を可能にする。
// キャッシュがない場合はログ先頭からの全再生にフォールバックするため、
// 保存はベストエフォートでよい。
type Cache interface {
	LoadReplicaState(sessionID string) ([]byte, error)
	SaveReplicaState(sessionID string, data []byte) error
}

// Replica はテナント1件分のイベントログのローカルレプリカ。
// 1アクターにつき1インスタンスで、アクター外からはアクセスされない。
type Replica struct {
	sessionID string
	storeID   string
	log       eventstore.Log
	sessions  eventstore.SessionStore
	cache     Cache
	logger    *slog.Logger

	mu        sync.Mutex
	lastSeq   int64
	links     map[string]*model.Link
	statuses  map[string]*model.ProcessingStatus
	metadata  map[string][]model.MetadataSnapshot
	summaries map[string][]model.Summary

	lastPending []string
	snapshots   chan Snapshot
}

// New はReplicaを生成する。Open呼び出しまでログの再生は行わない。
// cacheはnil可。nilの場合、コールドスタートは常にログ先頭からの全再生になる。
func New(sessionID, storeID string, log eventstore.Log, sessions eventstore.SessionStore, cache Cache, logger *slog.Logger) *Replica {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replica{
		sessionID: sessionID,
		storeID:   storeID,
		log:       log,
		sessions:  sessions,
		cache:     cache,
		logger:    logger,
		links:     make(map[string]*model.Link),
		statuses:  make(map[string]*model.ProcessingStatus),
		metadata:  make(map[string][]model.MetadataSnapshot),
		summaries: make(map[string][]model.Summary),
		// 容量1でコアレスする。消費者は常に最新のスナップショットのみを受け取る。
		snapshots: make(chan Snapshot, 1),
	}
}

// StoreID はこのレプリカが束縛されているテナントIDを返す。
func (r *Replica) StoreID() string {
	return r.storeID
}

// Open はキャッシュ済みの具現化状態を復元し、ログの未適用イベントを再生する。
// キャッシュがある場合はその位置から差分のみ、ない場合はログ先頭から全再生する。
// キャッシュに依存しないため、キャッシュの保存失敗は正しさに影響しない。
func (r *Replica) Open(ctx context.Context) error {
	resumed := r.restoreFromCache()

	if !resumed {
		pos, err := r.sessions.FindPosition(ctx, r.sessionID)
		if err != nil {
			return fmt.Errorf("セッション位置の読み込みに失敗: %w", err)
		}
		if pos > 0 {
			// サーバー側は適用済みだがローカル状態を失っている。全再生で再構築する。
			r.logger.Warn("ローカル状態キャッシュがないためログ先頭から再生します",
				slog.String("session_id", r.sessionID),
				slog.Int64("server_position", pos),
			)
		}
	}

	if err := r.Sync(ctx); err != nil {
		return err
	}

	r.logger.Info("レプリカを開きました",
		slog.String("store_id", r.storeID),
		slog.String("session_id", r.sessionID),
		slog.Bool("resumed_from_cache", resumed),
		slog.Int64("last_seq", r.LastSeq()),
	)
	return nil
}

// Sync はログから未適用イベントを取得して適用する。
// ログが空になるまでページングして継続する。
func (r *Replica) Sync(ctx context.Context) error {
	for {
		r.mu.Lock()
		after := r.lastSeq
		r.mu.Unlock()

		batch, err := r.log.ListSince(ctx, r.storeID, after, 0)
		if err != nil {
			return fmt.Errorf("イベントの取得に失敗: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := r.ApplyBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// ApplyBatch はイベントバッチをレプリカに適用する。
// 適用済みシーケンス番号以下のイベント、別ストアのイベントはスキップする（冪等）。
// 適用後にペンディングビューを再計算し、メンバーシップが変化した場合のみ
// スナップショットを発火する。
func (r *Replica) ApplyBatch(ctx context.Context, batch []event.Envelope) error {
	r.mu.Lock()
	applied := 0
	for _, e := range batch {
		if e.StoreID != r.storeID {
			continue
		}
		if e.Seq <= r.lastSeq {
			continue
		}
		r.applyLocked(e)
		r.lastSeq = e.Seq
		applied++
	}
	seq := r.lastSeq
	var cached []byte
	if applied > 0 {
		r.emitIfChangedLocked()
		if r.cache != nil {
			var encErr error
			cached, encErr = r.encodeStateLocked()
			if encErr != nil {
				r.logger.Warn("レプリカ状態のエンコードに失敗しました",
					slog.String("session_id", r.sessionID),
					slog.String("error", encErr.Error()),
				)
			}
		}
	}
	r.mu.Unlock()

	if applied == 0 {
		return nil
	}

	if err := r.sessions.SavePosition(ctx, r.sessionID, r.storeID, seq); err != nil {
		// 位置の保存失敗は致命的ではない。次回コールドスタートで再適用される（冪等）。
		r.logger.Warn("セッション位置の保存に失敗しました",
			slog.String("session_id", r.sessionID),
			slog.Int64("seq", seq),
			slog.String("error", err.Error()),
		)
	}

	if cached != nil {
		if err := r.cache.SaveReplicaState(r.sessionID, cached); err != nil {
			// 保存失敗時は次回コールドスタートが全再生にフォールバックする
			r.logger.Warn("レプリカ状態キャッシュの保存に失敗しました",
				slog.String("session_id", r.sessionID),
				slog.Int64("seq", seq),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Commit はイベント群をログに追記し、採番済みイベントをローカルに適用してから返る。
// 自分がコミットしたイベントに対してビューが古いまま発火することはない。
func (r *Replica) Commit(ctx context.Context, events []event.Envelope) error {
	committed, err := r.log.Append(ctx, r.storeID, events)
	if err != nil {
		return fmt.Errorf("イベントのコミットに失敗: %w", err)
	}
	return r.ApplyBatch(ctx, committed)
}

// Snapshots はペンディングビューのスナップショットチャネルを返す。
// 消費者は1つ（アクターのディスパッチループ）を想定する。
func (r *Replica) Snapshots() <-chan Snapshot {
	return r.snapshots
}

// LastSeq は適用済みの最終シーケンス番号を返す。
func (r *Replica) LastSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// Link は指定IDのリンクのコピーを返す。見つからない場合はnil。
func (r *Replica) Link(id string) *model.Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[id]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// FindLinkByURL は未削除のリンクをURL完全一致で検索する。見つからない場合はnil。
// スキーム・大文字小文字・末尾スラッシュの正規化は行わない（重複判定は完全一致のみ）。
func (r *Replica) FindLinkByURL(url string) *model.Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.links {
		if l.URL == url && l.DeletedAt == nil {
			cp := *l
			return &cp
		}
	}
	return nil
}

// Status は指定リンクの処理状態のコピーを返す。行が存在しない場合はnil。
func (r *Replica) Status(linkID string) *model.ProcessingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statuses[linkID]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// LatestMetadata は指定リンクの最新メタデータスナップショットを返す。なければnil。
func (r *Replica) LatestMetadata(linkID string) *model.MetadataSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := r.metadata[linkID]
	if len(snaps) == 0 {
		return nil
	}
	cp := snaps[len(snaps)-1]
	return &cp
}

// LatestSummary は指定リンクの最新サマリーを返す。なければnil。
func (r *Replica) LatestSummary(linkID string) *model.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	sums := r.summaries[linkID]
	if len(sums) == 0 {
		return nil
	}
	cp := sums[len(sums)-1]
	return &cp
}

// Pending は現在のペンディングビューのメンバーシップを返す。
// 定義: 未削除リンク − 最新処理状態がcompletedのリンク。
// 状態行なし・pending・failedはいずれも処理対象に含まれる。
func (r *Replica) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

// pendingLocked はロック保持下でペンディング集合を計算する。
// 結果は作成日時昇順（同時刻はID昇順）で決定的に並べる。
func (r *Replica) pendingLocked() []string {
	type entry struct {
		id      string
		created int64
	}
	var entries []entry
	for id, l := range r.links {
		if l.DeletedAt != nil {
			continue
		}
		if st, ok := r.statuses[id]; ok && st.Status == model.ProcessStateCompleted {
			continue
		}
		entries = append(entries, entry{id: id, created: l.CreatedAt.UnixNano()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].created != entries[j].created {
			return entries[i].created < entries[j].created
		}
		return entries[i].id < entries[j].id
	})

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// emitIfChangedLocked はペンディング集合を再計算し、
// 前回通知からメンバーシップが変化した場合のみスナップショットを発火する。
// チャネルは容量1でコアレスし、消費者が遅い場合は古いスナップショットを破棄する。
func (r *Replica) emitIfChangedLocked() {
	pending := r.pendingLocked()
	if equalIDs(pending, r.lastPending) {
		return
	}
	r.lastPending = pending

	snap := Snapshot{LinkIDs: pending}
	select {
	case <-r.snapshots:
	default:
	}
	select {
	case r.snapshots <- snap:
	default:
	}
}

// EmitCurrent は現在のペンディング集合を無条件に発火する。
// 購読開始直後の初回ディスパッチに使用する。
func (r *Replica) EmitCurrent() {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.pendingLocked()
	r.lastPending = pending

	snap := Snapshot{LinkIDs: pending}
	select {
	case <-r.snapshots:
	default:
	}
	select {
	case r.snapshots <- snap:
	default:
	}
}

// equalIDs は2つのID列が同一かを返す。
func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
