package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/linkman/internal/event"
	"github.com/hitoshi/linkman/internal/eventstore"
	"github.com/hitoshi/linkman/internal/model"
	"github.com/hitoshi/linkman/internal/pipeline"
	"github.com/hitoshi/linkman/internal/replica"
	"github.com/hitoshi/linkman/internal/statestore"
)

// StateStore はアクターの永続状態の読み書きインターフェース。
// レプリカ状態キャッシュ（replica.Cache）も兼ねる。
type StateStore interface {
	Load(actorName string) (statestore.ActorState, error)
	Save(actorName string, st statestore.ActorState) error
	LoadReplicaState(sessionID string) ([]byte, error)
	SaveReplicaState(sessionID string, data []byte) error
}

// JobProcessor はリンク処理ジョブの実行インターフェース。
type JobProcessor interface {
	// Process はリンク1件の処理を1回試行する。例外を外に伝播させてはならない。
	Process(ctx context.Context, store pipeline.Committer, link *model.Link, isRetry bool)
}

// URLGuard はインジェスト時のURL安全性検証インターフェース。
// エンリッチメント側のフェッチでどのみち拒否されるURL（内部ネットワーク等）を
// リンク作成前に同期的にリジェクトする。
type URLGuard interface {
	ValidateURL(rawURL string) error
}

// Deps はアクターの依存関係をまとめた構造体。URLGuardはnil可（検証なし）。
type Deps struct {
	States    StateStore
	Log       eventstore.Log
	Sessions  eventstore.SessionStore
	Processor JobProcessor
	URLGuard  URLGuard
	Logger    *slog.Logger
}

// Actor はテナント1件の耐久ワーカーアクター。
// 1インスタンスは1テナント（storeId）に恒久的に束縛される。
// ランタイムから同時に再入されることはないが、ジョブは独立したゴルーチンとして
// 複数同時に実行される（Guardがリンク単位で直列化する）。
type Actor struct {
	name string
	deps Deps

	mu          sync.Mutex
	initialized bool
	sessionID   string
	storeID     string
	rep         *replica.Replica

	guard    *Guard
	ingestMu sync.Mutex
	subOnce  sync.Once
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New はActorを生成する。nameは永続キー空間の名前（通常はstoreIdと同一）。
func New(name string, deps Deps) *Actor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Actor{
		name:  name,
		deps:  deps,
		guard: NewGuard(),
	}
}

// EnsureInitialized はアクターを冪等に初期化する。
// コールドスタート時は永続状態{sessionId, storeId}を読み込んでからレプリカを開く
// （2相スタートアップ）。sessionIdが未採番の場合はレプリカを開く前に採番・永続化する。
// 初期化済みの場合、storeIDが一致すればno-op、異なればエラー。
// storeIDに空文字を渡すと永続ストレージからの復元のみを試みる。
func (a *Actor) EnsureInitialized(ctx context.Context, storeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		if storeID != "" && storeID != a.storeID {
			return model.NewStoreMismatchError(a.storeID, storeID)
		}
		return nil
	}

	// 第1相: 永続状態の読み込み
	persisted, err := a.deps.States.Load(a.name)
	if err != nil {
		return fmt.Errorf("永続状態の読み込みに失敗: %w", err)
	}

	if persisted.StoreID != "" && storeID != "" && persisted.StoreID != storeID {
		return model.NewStoreMismatchError(persisted.StoreID, storeID)
	}

	resolved := storeID
	if resolved == "" {
		resolved = persisted.StoreID
	}
	if resolved == "" {
		return model.NewStoreUnknownError()
	}

	sessionID := persisted.SessionID
	if sessionID == "" || persisted.StoreID == "" {
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		// レプリカを開く前に永続化する。オープンに失敗しても
		// セッションIDは残り、次の試行で同じ位置から再開できる。
		if err := a.deps.States.Save(a.name, statestore.ActorState{
			SessionID: sessionID,
			StoreID:   resolved,
		}); err != nil {
			return fmt.Errorf("永続状態の保存に失敗: %w", err)
		}
	}

	// 第2相: レプリカのオープン
	rep := replica.New(sessionID, resolved, a.deps.Log, a.deps.Sessions, a.deps.States, a.deps.Logger)
	if err := rep.Open(ctx); err != nil {
		return model.NewStoreOpenFailedError(err.Error())
	}

	a.sessionID = sessionID
	a.storeID = resolved
	a.rep = rep
	a.initialized = true

	a.deps.Logger.Info("アクターを初期化しました",
		slog.String("actor", a.name),
		slog.String("store_id", resolved),
		slog.String("session_id", sessionID),
	)
	return nil
}

// EnsureSubscribed はペンディングビューの購読を冪等に確立する。
// 購読のコールバック（ディスパッチループ）が処理起動の唯一のトリガーである。
// 未初期化の場合は永続ストレージからの復元による初期化を先に行う。
func (a *Actor) EnsureSubscribed(ctx context.Context) error {
	if err := a.EnsureInitialized(ctx, ""); err != nil {
		return err
	}

	a.subOnce.Do(func() {
		a.runCtx, a.cancel = context.WithCancel(context.Background())
		a.wg.Add(1)
		go a.dispatchLoop()

		// 購読確立時に現在のペンディング集合を1回発火し、
		// 前回のプロセスが中断したジョブ（pending/failed）を再開する
		a.rep.EmitCurrent()

		a.deps.Logger.Info("ペンディングビューの購読を開始しました",
			slog.String("store_id", a.storeID),
		)
	})
	return nil
}

// OnSyncUpdate は同期バックエンドからのプッシュ通知を処理する。
// メモリ上にstoreIdがない場合（ハイバネーション後など）は永続ストレージから復元する。
// storeIdを復元できない場合は処理対象が不明のためno-opとする。
func (a *Actor) OnSyncUpdate(ctx context.Context, batch []event.Envelope) error {
	if err := a.EnsureInitialized(ctx, ""); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeStoreUnknown {
			a.deps.Logger.Info("storeIdを復元できないためウェイクを無視します",
				slog.String("actor", a.name),
			)
			return nil
		}
		return err
	}

	if err := a.rep.ApplyBatch(ctx, batch); err != nil {
		return fmt.Errorf("プッシュされたバッチの適用に失敗: %w", err)
	}

	return a.EnsureSubscribed(ctx)
}

// dispatchLoop はスナップショットチャネルを消費する唯一のタスク。
// 新しいペンディング集合をGuardと突き合わせ、未処理のリンクを独立したジョブとして起動する。
func (a *Actor) dispatchLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.runCtx.Done():
			return
		case snap := <-a.rep.Snapshots():
			a.dispatch(snap)
		}
	}
}

// dispatch はスナップショット1件分のリンクをディスパッチする。
func (a *Actor) dispatch(snap replica.Snapshot) {
	for _, id := range snap.LinkIDs {
		if !a.guard.TryAcquire(id) {
			// このプロセスで処理中。二重ディスパッチしない
			continue
		}

		link := a.rep.Link(id)
		if link == nil {
			a.guard.Release(id)
			continue
		}

		// 状態行がpendingで残っている場合は前回の試行が中断されたリトライ
		st := a.rep.Status(id)
		isRetry := st != nil && st.Status == model.ProcessStatePending

		a.wg.Add(1)
		go func(link *model.Link, isRetry bool) {
			defer a.wg.Done()
			defer a.guard.Release(link.ID)
			a.deps.Processor.Process(a.runCtx, a.rep, link, isRetry)
		}(link, isRetry)
	}
}

// Replica はこのアクターのレプリカを返す。未初期化の場合はnil。テスト用。
func (a *Actor) Replica() *replica.Replica {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rep
}

// Close は購読を停止し、実行中のジョブの終了を待つ。
func (a *Actor) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}
