package listener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rzpsarthak13/syncengine/internal/conflict"
	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/records"
	"github.com/rzpsarthak13/syncengine/internal/status"
)

// write is one local write planned by a merge pass.
type write struct {
	doc core.Document

	// localID is set when the document matched a local record in the
	// snapshot. Empty means insert.
	localID string
	seenAt  time.Time
	data    map[string]interface{}
}

// merge applies one batch of remote changes to the local store.
func (l *Listener) merge(ctx context.Context, st *collectionState, sess *session, changes []core.Change) error {
	table := sess.table
	opts := sess.opts

	var (
		removals []core.Document
		upserts  []core.Document
		index    = make(map[string]int)
		skipped  int
	)
	for _, change := range changes {
		if change.PendingWrite {
			skipped++
			continue
		}
		if change.Type == core.ChangeRemoved {
			removals = append(removals, change.Doc)
			continue
		}

		doc, ok := l.prepare(st.name, opts, change.Doc)
		if !ok {
			continue
		}
		// Later changes of the same document replace earlier ones.
		if i, seen := index[doc.ID]; seen {
			upserts[i] = doc
			continue
		}
		index[doc.ID] = len(upserts)
		upserts = append(upserts, doc)
	}
	if skipped > 0 {
		log.Printf("[LISTENER:%s] Ignored %d pending-write echoes", st.name, skipped)
	}

	st.tracker.AddTotal(len(removals) + len(upserts))

	for _, doc := range removals {
		l.applyRemoval(ctx, st, table, doc)
	}
	if len(upserts) == 0 {
		return nil
	}

	writes, repairs, err := l.plan(ctx, st, table, opts, upserts)
	if err != nil {
		return err
	}

	for start := 0; start < len(writes); start += l.config.LocalBatchSize {
		end := start + l.config.LocalBatchSize
		if end > len(writes) {
			end = len(writes)
		}
		if err := l.flushLocal(ctx, st, table, writes[start:end]); err != nil {
			return err
		}
	}

	if len(repairs) > 0 {
		if err := l.flushRemote(ctx, st, repairs); err != nil {
			return err
		}
	}
	return nil
}

// prepare runs the caller's validation and transform. It returns false for
// documents that must be skipped.
func (l *Listener) prepare(collection string, opts Options, doc core.Document) (core.Document, bool) {
	if doc.ID == "" {
		log.Printf("[LISTENER:%s] WARNING: Skipping document without id", collection)
		return doc, false
	}
	if opts.Validate != nil {
		if err := opts.Validate(doc); err != nil {
			log.Printf("[LISTENER:%s] WARNING: Skipping invalid document %s: %v", collection, doc.ID, err)
			return doc, false
		}
	}
	if opts.Transform != nil {
		out, err := opts.Transform(doc)
		if err != nil {
			log.Printf("[LISTENER:%s] WARNING: Skipping document %s, transform failed: %v", collection, doc.ID, err)
			return doc, false
		}
		out.ID = doc.ID
		doc = out
	}
	return doc, true
}

// plan compares the documents against a snapshot of the local records and
// returns the local writes plus the remote repairs to perform.
func (l *Listener) plan(ctx context.Context, st *collectionState, table *records.Table, opts Options,
	docs []core.Document) ([]write, []core.Document, error) {
	byRemote := make(map[string]*core.Record)
	err := l.store.View(ctx, func(tx core.Tx) error {
		recs, err := table.Find(tx, func(r *core.Record) bool { return r.RemoteID != "" })
		if err != nil {
			return err
		}
		for _, rec := range recs {
			byRemote[rec.RemoteID] = rec
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load local snapshot: %w", err)
	}

	var (
		writes  []write
		repairs []core.Document
	)
	for _, doc := range docs {
		rec, ok := byRemote[doc.ID]
		if !ok {
			writes = append(writes, write{doc: doc, data: core.CopyData(doc.Data)})
			continue
		}
		if rec.SyncStatus == core.StatusPending {
			continue
		}

		res := l.resolver.Resolve(doc, rec)
		switch {
		case res.Winner == conflict.Remote:
			writes = append(writes, write{doc: doc, localID: rec.ID, seenAt: rec.UpdatedAt, data: res.Data})
		case opts.RepairStaleRemote && rec.SyncStatus == core.StatusSynced && conflict.LocalNewer(doc, rec):
			repairs = append(repairs, core.Document{
				ID:        rec.RemoteID,
				Data:      core.CopyData(rec.Data),
				UpdatedAt: rec.UpdatedAt,
			})
		default:
			st.tracker.Processed()
		}
	}
	return writes, repairs, nil
}

// flushLocal writes one sub-batch in a single local transaction. Every
// write re-checks the stored row so a local edit made since the snapshot
// is never overwritten.
func (l *Listener) flushLocal(ctx context.Context, st *collectionState, table *records.Table, batch []write) error {
	applied := 0
	err := l.store.Update(ctx, func(tx core.Tx) error {
		applied = 0
		for _, w := range batch {
			ok, err := l.writeOne(tx, table, w)
			if err != nil {
				return fmt.Errorf("failed to merge %s: %w", w.doc.ID, err)
			}
			if ok {
				applied++
			}
		}
		return nil
	})
	if err != nil {
		for _, w := range batch {
			st.tracker.Failed(status.FailedItem{ID: w.doc.ID, Collection: st.name, Error: err.Error()})
		}
		return err
	}
	for range batch {
		st.tracker.Processed()
	}
	log.Printf("[LISTENER:%s] Merged %d of %d documents", st.name, applied, len(batch))
	return nil
}

func (l *Listener) writeOne(tx core.Tx, table *records.Table, w write) (bool, error) {
	current, err := l.current(tx, table, w)
	if err != nil {
		return false, err
	}

	if current == nil {
		id := core.FormatID(w.doc.Data["id"])
		if id == "" {
			id = uuid.NewString()
		} else if _, err := table.Get(tx, id); err == nil {
			id = uuid.NewString()
		} else if !errors.Is(err, core.ErrNotFound) {
			return false, err
		}
		return true, table.Add(tx, &core.Record{
			ID:         id,
			RemoteID:   w.doc.ID,
			SyncStatus: core.StatusSynced,
			UpdatedAt:  w.doc.UpdatedAt,
			Version:    w.doc.Version,
			Data:       w.data,
		})
	}

	if current.SyncStatus == core.StatusPending {
		return false, nil
	}
	if w.localID != "" && !current.UpdatedAt.Equal(w.seenAt) {
		// Changed since the snapshot.
		return false, nil
	}
	if w.localID == "" && !conflict.RemoteNewer(w.doc, current) && current.RemoteID == w.doc.ID {
		// Found by the defensive re-check and not older than the remote copy.
		return false, nil
	}

	_, err = table.Update(tx, current.ID, records.Patch{
		RemoteID:    records.String(w.doc.ID),
		SyncStatus:  records.Status(core.StatusSynced),
		SyncError:   records.String(""),
		UpdatedAt:   records.Time(w.doc.UpdatedAt),
		Version:     records.Int64(w.doc.Version),
		Data:        w.data,
		ReplaceData: true,
	})
	return err == nil, err
}

// current returns the stored row a write targets: the snapshot match, a row
// that gained the remote id since the snapshot, or a never-synced row whose
// payload id matches. Nil means insert.
func (l *Listener) current(tx core.Tx, table *records.Table, w write) (*core.Record, error) {
	if w.localID != "" {
		rec, err := table.Get(tx, w.localID)
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return rec, err
	}

	rec, err := table.FindByRemoteID(tx, w.doc.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	id := core.FormatID(w.doc.Data["id"])
	if id == "" {
		return nil, nil
	}
	rec, err = table.Get(tx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.RemoteID != "" && rec.RemoteID != w.doc.ID {
		return nil, nil
	}
	if rec.RemoteID == "" && rec.SyncStatus != core.StatusPending {
		// Unrelated local row that happens to share the payload id.
		return nil, nil
	}
	return rec, nil
}

// applyRemoval deletes the local record of a removed remote document together
// with every queued operation of that record.
func (l *Listener) applyRemoval(ctx context.Context, st *collectionState, table *records.Table, doc core.Document) {
	dropped := 0
	err := l.store.Update(ctx, func(tx core.Tx) error {
		rec, err := table.FindByRemoteID(tx, doc.ID)
		if err != nil {
			return err
		}
		// Operations go first so the pending guard lets the delete through.
		dropped, err = l.queue.PurgeRecordTx(tx, st.name, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to drop queued operations of %s: %w", rec.ID, err)
		}
		return table.Delete(tx, rec.ID)
	})
	switch {
	case err == nil:
		st.tracker.Processed()
		if dropped > 0 {
			log.Printf("[LISTENER:%s] Removed local copy of %s and dropped %d queued operations", st.name, doc.ID, dropped)
		} else {
			log.Printf("[LISTENER:%s] Removed local copy of %s", st.name, doc.ID)
		}
	case errors.Is(err, core.ErrNotFound):
		st.tracker.Processed()
	default:
		log.Printf("[LISTENER:%s] ERROR: Removing %s: %v", st.name, doc.ID, err)
		st.tracker.Failed(status.FailedItem{ID: doc.ID, Collection: st.name, Error: err.Error()})
	}
}

// flushRemote writes stale-remote repairs, committing every RemoteBatchSize
// writes and once more for the remainder.
func (l *Listener) flushRemote(ctx context.Context, st *collectionState, docs []core.Document) error {
	batch := l.remote.Batch()
	commits := 0
	for _, doc := range docs {
		batch.Set(st.name, doc)
		if batch.Len() >= l.config.RemoteBatchSize {
			if err := batch.Commit(ctx); err != nil {
				return fmt.Errorf("failed to commit remote batch: %w", err)
			}
			commits++
			batch = l.remote.Batch()
		}
	}
	if batch.Len() > 0 {
		if err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit remote batch: %w", err)
		}
		commits++
	}
	for range docs {
		st.tracker.Processed()
	}
	log.Printf("[LISTENER:%s] Repaired %d stale remote documents in %d batches", st.name, len(docs), commits)
	return nil
}
