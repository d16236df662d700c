package workflow

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/keys"
)

// sortMessages restores FIFO order by message key, which encodes send time.
func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return bytes.Compare(keys.Message(msgs[i].ID), keys.Message(msgs[j].ID)) < 0
	})
}

// rollback walks completed step entries in reverse history order back to the
// most recent rollback checkpoint (or the beginning when none exists) and
// invokes each registered compensator. Compensator outcomes are recorded per
// entry; the first compensator failure aborts the walk.
func (e *Engine) rollback(ctx context.Context, root *Context) error {
	e.mu.Lock()
	histKeys := make([]string, 0, len(e.entries))
	for k := range e.entries {
		histKeys = append(histKeys, k)
	}
	sort.Strings(histKeys)

	// Find the last checkpoint; only entries after it are compensated.
	floor := ""
	for _, k := range histKeys {
		if e.entries[k].Kind.RollbackCheckpoint != nil {
			floor = k
		}
	}

	type target struct {
		key   string
		entry *Entry
		meta  *EntryMetadata
	}
	var targets []target
	for i := len(histKeys) - 1; i >= 0; i-- {
		k := histKeys[i]
		if k <= floor {
			break
		}
		entry := e.entries[k]
		meta := e.metadata[k]
		if entry.Kind.Step == nil || meta == nil {
			continue
		}
		if meta.Status != StatusCompleted || meta.RollbackCompletedAt != nil {
			continue
		}
		targets = append(targets, target{key: k, entry: entry, meta: meta})
	}
	e.mu.Unlock()

	for _, t := range targets {
		comp := root.run.compensator(t.key)
		if comp == nil {
			continue
		}
		err := comp(ctx)
		now := time.Now()
		t.meta.RollbackCompletedAt = &now
		if err != nil {
			t.meta.RollbackError = err.Error()
		}
		if pErr := e.persistEntry(ctx, t.entry, t.meta, nil, nil); pErr != nil {
			return pErr
		}
		if err != nil {
			return errs.WorkflowRollbackFailed(err).WithMeta("entry", t.entry.Location.String())
		}
	}
	return nil
}
