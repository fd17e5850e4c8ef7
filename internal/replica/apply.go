package replica

import (
	"log/slog"

	"github.com/hitoshi/linkman/internal/event"
	"github.com/hitoshi/linkman/internal/model"
)

// applyLocked はイベント1件をレプリカの状態に適用する。
// デコード失敗・未知イベントはログを出してスキップする（再生を止めない）。
func (r *Replica) applyLocked(e event.Envelope) {
	switch e.Type {
	case event.TypeLinkCreated:
		var p event.LinkCreated
		if err := event.Decode(e, &p); err != nil {
			r.logDecodeError(e, err)
			return
		}
		if _, exists := r.links[p.ID]; exists {
			return
		}
		r.links[p.ID] = &model.Link{
			ID:        p.ID,
			URL:       p.URL,
			Domain:    p.Domain,
			Status:    model.LinkStatusUnread,
			CreatedAt: p.CreatedAt,
		}

	case event.TypeProcessingStarted:
		var p event.ProcessingStarted
		if err := event.Decode(e, &p); err != nil {
			r.logDecodeError(e, err)
			return
		}
		r.statuses[p.LinkID] = &model.ProcessingStatus{
			LinkID:    p.LinkID,
			Status:    model.ProcessStatePending,
			UpdatedAt: p.UpdatedAt,
		}

	case event.TypeMetadataFetched:
		var p event.MetadataFetched
		if err := event.Decode(e, &p); err != nil {
			r.logDecodeError(e, err)
			return
		}
		r.metadata[p.LinkID] = append(r.metadata[p.LinkID], model.MetadataSnapshot{
			ID:          p.ID,
			LinkID:      p.LinkID,
			Title:       p.Title,
			Description: p.Description,
			Image:       p.Image,
			Favicon:     p.Favicon,
			FetchedAt:   p.FetchedAt,
		})

	case event.TypeSummarized:
		var p event.Summarized
		if err := event.Decode(e, &p); err != nil {
			r.logDecodeError(e, err)
			return
		}
		r.summaries[p.LinkID] = append(r.summaries[p.LinkID], model.Summary{
			ID:           p.ID,
			LinkID:       p.LinkID,
			Summary:      p.Summary,
			Model:        p.Model,
			SummarizedAt: p.SummarizedAt,
		})

	case event.TypeProcessingCompleted:
		var p event.ProcessingCompleted
		if err := event.Decode(e, &p); err != nil {
			r.logDecodeError(e, err)
			return
		}
		r.statuses[p.LinkID] = &model.ProcessingStatus{
			LinkID:    p.LinkID,
			Status:    model.ProcessStateCompleted,
			UpdatedAt: p.UpdatedAt,
		}

	case event.TypeProcessingFailed:
		var p event.ProcessingFailed
		if err := event.Decode(e, &p); err != nil {
			r.logDecodeError(e, err)
			return
		}
		r.statuses[p.LinkID] = &model.ProcessingStatus{
			LinkID:    p.LinkID,
			Status:    model.ProcessStateFailed,
			Error:     p.Error,
			UpdatedAt: p.UpdatedAt,
		}

	case event.TypeLinkCompleted:
		if l, p, ok := r.decodeLifecycle(e); ok {
			l.Status = model.LinkStatusCompleted
			t := p.UpdatedAt
			l.CompletedAt = &t
		}

	case event.TypeLinkUncompleted:
		if l, _, ok := r.decodeLifecycle(e); ok {
			l.Status = model.LinkStatusUnread
			l.CompletedAt = nil
		}

	case event.TypeLinkDeleted:
		if l, p, ok := r.decodeLifecycle(e); ok {
			t := p.UpdatedAt
			l.DeletedAt = &t
		}

	case event.TypeLinkRestored:
		if l, _, ok := r.decodeLifecycle(e); ok {
			l.DeletedAt = nil
		}

	default:
		// クライアント側で追加された未知のイベント種別は無視する
		r.logger.Debug("未知のイベント種別をスキップします",
			slog.String("type", string(e.Type)),
			slog.Int64("seq", e.Seq),
		)
	}
}

// decodeLifecycle はユーザー操作系イベントをデコードし、対象リンクを返す。
func (r *Replica) decodeLifecycle(e event.Envelope) (*model.Link, event.LinkLifecycle, bool) {
	var p event.LinkLifecycle
	if err := event.Decode(e, &p); err != nil {
		r.logDecodeError(e, err)
		return nil, p, false
	}
	l, ok := r.links[p.LinkID]
	if !ok {
		return nil, p, false
	}
	return l, p, true
}

func (r *Replica) logDecodeError(e event.Envelope, err error) {
	r.logger.Error("イベントのデコードに失敗しました",
		slog.String("type", string(e.Type)),
		slog.Int64("seq", e.Seq),
		slog.String("error", err.Error()),
	)
}
