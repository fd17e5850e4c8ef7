package eventstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/linkman/internal/event"
)

// defaultListLimit はListSinceのデフォルト取得件数。
const defaultListLimit = 500

// PostgresLog はPostgreSQLを使用したイベントログ。
// seqはストアごとの単調増加値で、追記トランザクション内で採番する。
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog はPostgresLogを生成する。
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// Append はイベント群を1トランザクションでログに追記する。
// ストアごとのseqはMAX(seq)+1から連番で採番する。
// 同一ストアへの同時追記はイベント行の行ロックではなくadvisory lockで直列化する。
func (l *PostgresLog) Append(ctx context.Context, storeID string, events []event.Envelope) ([]event.Envelope, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// ストア単位のadvisory lockで採番を直列化する
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, storeID,
	); err != nil {
		return nil, fmt.Errorf("ストアロックの取得に失敗しました: %w", err)
	}

	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE store_id = $1`, storeID,
	).Scan(&lastSeq)
	if err != nil {
		return nil, fmt.Errorf("シーケンス番号の取得に失敗しました: %w", err)
	}

	committed := make([]event.Envelope, 0, len(events))
	for _, e := range events {
		lastSeq++
		e.StoreID = storeID
		e.Seq = lastSeq

		err := tx.QueryRowContext(ctx,
			`INSERT INTO events (store_id, seq, event_type, payload)
			 VALUES ($1, $2, $3, $4)
			 RETURNING committed_at`,
			storeID, e.Seq, string(e.Type), []byte(e.Payload),
		).Scan(&e.CommittedAt)
		if err != nil {
			return nil, fmt.Errorf("イベントの追記に失敗しました (type=%s): %w", e.Type, err)
		}

		committed = append(committed, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("イベントバッチのコミットに失敗しました: %w", err)
	}

	return committed, nil
}

// ListSince は指定シーケンス番号より後のイベントをseq昇順で返す。
func (l *PostgresLog) ListSince(ctx context.Context, storeID string, afterSeq int64, limit int) ([]event.Envelope, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT store_id, seq, event_type, payload, committed_at
		 FROM events
		 WHERE store_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		storeID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []event.Envelope
	for rows.Next() {
		var e event.Envelope
		var eventType string
		var payload []byte
		if err := rows.Scan(&e.StoreID, &e.Seq, &eventType, &payload, &e.CommittedAt); err != nil {
			return nil, fmt.Errorf("イベント行のスキャンに失敗しました: %w", err)
		}
		e.Type = event.Type(eventType)
		e.Payload = payload
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベントの読み取り中にエラーが発生しました: %w", err)
	}

	return events, nil
}

// PostgresSessionStore はPostgreSQLを使用したセッション位置ストア。
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore はPostgresSessionStoreを生成する。
func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

// FindPosition は指定セッションの適用済みシーケンス番号を返す。未登録の場合は0。
func (s *PostgresSessionStore) FindPosition(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM replica_sessions WHERE session_id = $1`, sessionID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("セッション位置の取得に失敗しました: %w", err)
	}
	return seq, nil
}

// SavePosition はセッションの適用済みシーケンス番号を冪等にUPSERTする。
// 位置の巻き戻しは行わない（GREATESTで前進のみ許可）。
func (s *PostgresSessionStore) SavePosition(ctx context.Context, sessionID, storeID string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replica_sessions (session_id, store_id, last_seq, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (session_id)
		 DO UPDATE SET last_seq = GREATEST(replica_sessions.last_seq, EXCLUDED.last_seq),
		               updated_at = now()`,
		sessionID, storeID, seq,
	)
	if err != nil {
		return fmt.Errorf("セッション位置の保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ Log          = (*PostgresLog)(nil)
	_ SessionStore = (*PostgresSessionStore)(nil)
)
