package tracing

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rivet-dev/rivetkit-go/errs"
	"github.com/rivet-dev/rivetkit-go/keys"
	"github.com/rivet-dev/rivetkit-go/kv"
	"github.com/rivet-dev/rivetkit-go/wire"
)

// SpanEvent is one point-in-time event on a span.
type SpanEvent struct {
	Name   string            `json:"name"`
	UnixNs int64             `json:"timeUnixNano,string"`
	Attrs  map[string]string `json:"attributes,omitempty"`
}

// Span is the reconstructed view of one span over a read range.
type Span struct {
	SpanID      string            `json:"spanId"`
	ParentID    string            `json:"parentSpanId,omitempty"`
	Name        string            `json:"name"`
	StartUnixNs int64             `json:"startTimeUnixNano,string"`
	// EndUnixNs is zero while the span is still open.
	EndUnixNs int64             `json:"endTimeUnixNano,string,omitempty"`
	Status    string            `json:"status,omitempty"`
	Attrs     map[string]string `json:"attributes,omitempty"`
	Events    []SpanEvent       `json:"events,omitempty"`
}

// ReadResult carries the spans overlapping a range. Clamped is set when the
// caller's limit or the sink's read cap truncated the result.
type ReadResult struct {
	Spans   []Span `json:"spans"`
	Clamped bool   `json:"clamped"`
}

// ReadRange reconstructs all spans overlapping [startMs, endMs). Spans that
// began before the range are hydrated through the active-span list of the
// last chunk preceding it. Corrupted chunks are skipped.
func (s *Sink) ReadRange(ctx context.Context, startMs, endMs int64, limit int) (*ReadResult, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.MaxReadLimit {
		limit = s.cfg.MaxReadLimit
	}

	startNs := startMs * int64(1e6)
	endNs := endMs * int64(1e6)
	width := int64(s.cfg.BucketWidth / time.Second)
	startBucket := startMs / 1000 / width * width
	endBucket := endMs / 1000 / width * width

	// The last chunk before the range names the spans that were still open
	// and where their latest snapshot (or start) lives.
	scanFrom := startBucket
	rangeStartKey := keys.TraceBucketPrefix(startBucket)
	prev, err := s.store.ListRange(ctx, keys.TracesPrefix(), rangeStartKey, kv.ListOptions{
		Reverse: true,
		Limit:   1,
	})
	if err != nil {
		return nil, errs.StorageUnavailable(err)
	}
	if len(prev) == 1 {
		if ch := s.decodeChunk(prev[0].Value); ch != nil {
			for _, as := range ch.ActiveSpans {
				if as.Ref.Bucket < scanFrom {
					scanFrom = as.Ref.Bucket
				}
			}
		}
	}

	scanEnd := keys.TraceBucketPrefix(endBucket + width)
	entries, err := s.store.ListRange(ctx, keys.TraceBucketPrefix(scanFrom), scanEnd, kv.ListOptions{})
	if err != nil {
		return nil, errs.StorageUnavailable(err)
	}

	states := make(map[string]*Span)
	for _, entry := range entries {
		ch := s.decodeChunk(entry.Value)
		if ch == nil {
			continue
		}
		s.applyChunk(states, ch, endNs)
	}

	spans := make([]Span, 0, len(states))
	for _, span := range states {
		if span.StartUnixNs >= endNs {
			continue
		}
		if span.EndUnixNs != 0 && span.EndUnixNs < startNs {
			continue
		}
		spans = append(spans, *span)
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].StartUnixNs != spans[j].StartUnixNs {
			return spans[i].StartUnixNs < spans[j].StartUnixNs
		}
		return spans[i].SpanID < spans[j].SpanID
	})

	clamped := false
	if len(spans) > limit {
		spans = spans[:limit]
		clamped = true
	}
	return &ReadResult{Spans: spans, Clamped: clamped}, nil
}

// decodeChunk unwraps and parses one persisted chunk, returning nil for
// corrupted payloads.
func (s *Sink) decodeChunk(value []byte) *chunk {
	payload, err := wire.Open(value)
	if err != nil {
		s.logger.WithError(err).Warn("skipping corrupted trace chunk")
		return nil
	}
	var ch chunk
	if err := json.Unmarshal(payload, &ch); err != nil {
		s.logger.WithError(err).Warn("skipping corrupted trace chunk")
		return nil
	}
	return &ch
}

// applyChunk folds one chunk's records into the span states, stopping at the
// range end.
func (s *Sink) applyChunk(states map[string]*Span, ch *chunk, endNs int64) {
	str := func(idx uint32) string {
		if int(idx) >= len(ch.Strings) {
			return ""
		}
		return ch.Strings[idx]
	}
	attrsOf := func(pairs []attr) map[string]string {
		if len(pairs) == 0 {
			return nil
		}
		out := make(map[string]string, len(pairs))
		for _, p := range pairs {
			out[str(p.Key)] = str(p.Value)
		}
		return out
	}

	for _, rec := range ch.Records {
		at := ch.BaseUnixNs + rec.At
		if at >= endNs {
			return
		}
		switch {
		case rec.Kind.Start != nil:
			start := rec.Kind.Start
			span := &Span{
				SpanID:      str(start.Span),
				Name:        str(start.Name),
				StartUnixNs: at,
				Attrs:       attrsOf(start.Attrs),
			}
			if start.Parent != nil {
				span.ParentID = str(*start.Parent)
			}
			states[span.SpanID] = span

		case rec.Kind.Update != nil:
			span, ok := states[str(rec.Kind.Update.Span)]
			if !ok {
				continue
			}
			for k, v := range attrsOf(rec.Kind.Update.Attrs) {
				if span.Attrs == nil {
					span.Attrs = make(map[string]string)
				}
				span.Attrs[k] = v
			}

		case rec.Kind.Event != nil:
			ev := rec.Kind.Event
			span, ok := states[str(ev.Span)]
			if !ok {
				continue
			}
			span.Events = append(span.Events, SpanEvent{
				Name:   str(ev.Name),
				UnixNs: at,
				Attrs:  attrsOf(ev.Attrs),
			})

		case rec.Kind.End != nil:
			end := rec.Kind.End
			span, ok := states[str(end.Span)]
			if !ok {
				continue
			}
			span.EndUnixNs = at
			span.Status = str(end.Status)

		case rec.Kind.Snapshot != nil:
			snap := rec.Kind.Snapshot
			span := &Span{
				SpanID:      str(snap.Span),
				Name:        str(snap.Name),
				StartUnixNs: snap.StartUnixNs,
				Attrs:       attrsOf(snap.Attrs),
			}
			if snap.Parent != nil {
				span.ParentID = str(*snap.Parent)
			}
			for _, ev := range snap.Events {
				span.Events = append(span.Events, SpanEvent{
					Name:   str(ev.Name),
					UnixNs: ev.AtUnixNs,
					Attrs:  attrsOf(ev.Attrs),
				})
			}
			states[span.SpanID] = span
		}
	}
}
