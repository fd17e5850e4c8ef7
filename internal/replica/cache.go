package replica

import (
	"encoding/json"
	"log/slog"

	"github.com/hitoshi/linkman/internal/model"
)

// persistedState はキャッシュに保存する具現化状態のJSON表現。
// storeIdの一致検証のためテナントIDも含める。
type persistedState struct {
	StoreID   string                              `json:"store_id"`
	LastSeq   int64                               `json:"last_seq"`
	Links     []model.Link                        `json:"links"`
	Statuses  []model.ProcessingStatus            `json:"statuses"`
	Metadata  map[string][]model.MetadataSnapshot `json:"metadata"`
	Summaries map[string][]model.Summary          `json:"summaries"`
}

// restoreFromCache はキャッシュから具現化状態を復元する。
// キャッシュなし・デコード失敗・別ストアの状態はすべて復元なし扱いにして
// 全再生にフォールバックさせる。
func (r *Replica) restoreFromCache() bool {
	if r.cache == nil {
		return false
	}

	data, err := r.cache.LoadReplicaState(r.sessionID)
	if err != nil {
		r.logger.Warn("レプリカ状態キャッシュの読み込みに失敗しました",
			slog.String("session_id", r.sessionID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if len(data) == 0 {
		return false
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		r.logger.Warn("レプリカ状態キャッシュのデコードに失敗しました",
			slog.String("session_id", r.sessionID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if st.StoreID != r.storeID {
		r.logger.Warn("レプリカ状態キャッシュのストアIDが一致しません",
			slog.String("session_id", r.sessionID),
			slog.String("cached_store_id", st.StoreID),
			slog.String("store_id", r.storeID),
		)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeq = st.LastSeq
	r.links = make(map[string]*model.Link, len(st.Links))
	for i := range st.Links {
		l := st.Links[i]
		r.links[l.ID] = &l
	}
	r.statuses = make(map[string]*model.ProcessingStatus, len(st.Statuses))
	for i := range st.Statuses {
		s := st.Statuses[i]
		r.statuses[s.LinkID] = &s
	}
	r.metadata = st.Metadata
	if r.metadata == nil {
		r.metadata = make(map[string][]model.MetadataSnapshot)
	}
	r.summaries = st.Summaries
	if r.summaries == nil {
		r.summaries = make(map[string][]model.Summary)
	}
	return true
}

// encodeStateLocked はロック保持下で現在の具現化状態をJSONにエンコードする。
func (r *Replica) encodeStateLocked() ([]byte, error) {
	st := persistedState{
		StoreID:   r.storeID,
		LastSeq:   r.lastSeq,
		Links:     make([]model.Link, 0, len(r.links)),
		Statuses:  make([]model.ProcessingStatus, 0, len(r.statuses)),
		Metadata:  r.metadata,
		Summaries: r.summaries,
	}
	for _, l := range r.links {
		st.Links = append(st.Links, *l)
	}
	for _, s := range r.statuses {
		st.Statuses = append(st.Statuses, *s)
	}
	return json.Marshal(st)
}
