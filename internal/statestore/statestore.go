// Package statestore はアクターごとの永続状態を提供する。
// 正しさに必要な状態は{sessionId, storeId}の2つのスカラー値のみで、
// 加えてレプリカの具現化状態キャッシュ（コールドスタートの全再生を省くための
// 最適化）を保持する。いずれもBadgerのローカルKVストアに書き込む。
package statestore

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// ActorState はアクター1件分の永続状態。
// どちらも一度だけ書き込まれ、コールドスタート時に毎回読み込まれる。
type ActorState struct {
	SessionID string
	StoreID   string
}

// Store はBadgerを使用した永続状態ストア。
// 1プロセスにつき1インスタンスで、アクター名をプレフィックスに持つキー空間を分離する。
type Store struct {
	db *badger.DB
}

// Open は指定ディレクトリのBadgerストアを開く。
// pathが空の場合はインメモリモードで開く（テストおよびローカル開発用）。
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger自身のログはノイズになるため無効化する
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("状態ストアのオープンに失敗しました: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はストアを閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Load は指定アクターの永続状態を読み込む。
// 未書き込みのフィールドは空文字で返る（エラーにはしない）。
func (s *Store) Load(actorName string) (ActorState, error) {
	var st ActorState

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		st.SessionID, err = getString(txn, sessionKey(actorName))
		if err != nil {
			return err
		}
		st.StoreID, err = getString(txn, storeKey(actorName))
		return err
	})
	if err != nil {
		return ActorState{}, fmt.Errorf("アクター状態の読み込みに失敗しました: %w", err)
	}
	return st, nil
}

// Save は指定アクターの永続状態を書き込む。
// レプリカを開く前に呼び出すこと（オープン失敗時にも状態が残るように）。
func (s *Store) Save(actorName string, st ActorState) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(sessionKey(actorName), []byte(st.SessionID)); err != nil {
			return err
		}
		return txn.Set(storeKey(actorName), []byte(st.StoreID))
	})
	if err != nil {
		return fmt.Errorf("アクター状態の保存に失敗しました: %w", err)
	}
	return nil
}

// LoadReplicaState はセッションのレプリカ状態キャッシュを読み込む。
// キャッシュがない場合はnilを返す（エラーにはしない）。
func (s *Store) LoadReplicaState(sessionID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(replicaStateKey(sessionID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("レプリカ状態キャッシュの読み込みに失敗しました: %w", err)
	}
	return data, nil
}

// SaveReplicaState はセッションのレプリカ状態キャッシュを書き込む。
func (s *Store) SaveReplicaState(sessionID string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(replicaStateKey(sessionID), data)
	})
	if err != nil {
		return fmt.Errorf("レプリカ状態キャッシュの保存に失敗しました: %w", err)
	}
	return nil
}

// getString はキーの値を文字列で取得する。キーが存在しない場合は空文字を返す。
func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func sessionKey(actorName string) []byte {
	return []byte("actor/" + actorName + "/session_id")
}

func storeKey(actorName string) []byte {
	return []byte("actor/" + actorName + "/store_id")
}

func replicaStateKey(sessionID string) []byte {
	return []byte("session/" + sessionID + "/replica_state")
}
