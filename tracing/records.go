package tracing

// Chunk payloads are JSON wrapped in the versioned record envelope. All
// strings inside a chunk are interned into its Strings table; records carry
// indices. Timestamps inside records are nanosecond offsets from the chunk
// base so that chunks stay compact; snapshot records carry absolute start
// times because they are read without the chunks that preceded them.

type chunk struct {
	BaseUnixNs  int64        `json:"base"`
	Strings     []string     `json:"strings"`
	Records     []record     `json:"records"`
	ActiveSpans []activeSpan `json:"active,omitempty"`
}

type record struct {
	At   int64      `json:"at"`
	Kind recordKind `json:"kind"`
}

// recordKind is a tagged union. Exactly one field is set.
type recordKind struct {
	Start    *startRecord    `json:"start,omitempty"`
	Update   *updateRecord   `json:"update,omitempty"`
	Event    *eventRecord    `json:"event,omitempty"`
	End      *endRecord      `json:"end,omitempty"`
	Snapshot *snapshotRecord `json:"snapshot,omitempty"`
}

type attr struct {
	Key   uint32 `json:"k"`
	Value uint32 `json:"v"`
}

type startRecord struct {
	Span   uint32  `json:"span"`
	Parent *uint32 `json:"parent,omitempty"`
	Name   uint32  `json:"name"`
	Attrs  []attr  `json:"attrs,omitempty"`
}

type updateRecord struct {
	Span  uint32 `json:"span"`
	Attrs []attr `json:"attrs,omitempty"`
}

type eventRecord struct {
	Span  uint32 `json:"span"`
	Name  uint32 `json:"name"`
	Attrs []attr `json:"attrs,omitempty"`
}

type endRecord struct {
	Span   uint32 `json:"span"`
	Status uint32 `json:"status"`
}

// snapshotRecord is a full restatement of a live span. Readers may seed a
// span from its most recent snapshot instead of walking back to its start.
type snapshotRecord struct {
	Span        uint32      `json:"span"`
	Parent      *uint32     `json:"parent,omitempty"`
	Name        uint32      `json:"name"`
	StartUnixNs int64       `json:"start"`
	Attrs       []attr      `json:"attrs,omitempty"`
	Events      []snapEvent `json:"events,omitempty"`
}

type snapEvent struct {
	Name     uint32 `json:"name"`
	AtUnixNs int64  `json:"at"`
	Attrs    []attr `json:"attrs,omitempty"`
}

// recordRef addresses one record inside one persisted chunk.
type recordRef struct {
	Bucket int64  `json:"bucket"`
	Chunk  uint64 `json:"chunk"`
	Index  int    `json:"index"`
}

// activeSpan names a span still open when its chunk was sealed. Ref points at
// the span's latest snapshot record, or its start record if none was taken.
type activeSpan struct {
	SpanID string    `json:"spanId"`
	Ref    recordRef `json:"ref"`
}

// interner deduplicates strings into a chunk's table.
type interner struct {
	table []string
	index map[string]uint32
}

func newInterner() *interner {
	return &interner{index: make(map[string]uint32)}
}

func (in *interner) intern(s string) uint32 {
	if idx, ok := in.index[s]; ok {
		return idx
	}
	idx := uint32(len(in.table))
	in.table = append(in.table, s)
	in.index[s] = idx
	return idx
}

func (in *interner) internAttrs(attrs map[string]string) []attr {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]attr, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, attr{Key: in.intern(k), Value: in.intern(v)})
	}
	return out
}
