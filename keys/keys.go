// Package keys defines the tuple-encoded key schema used inside actor and
// workflow namespaces. The encoding guarantees that byte-sorted key order
// matches semantic order, which the message queue (FIFO) and the workflow
// history (replay order) both depend on.
package keys

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Workflow namespace prefixes.
const (
	PrefixNames     = 1
	PrefixHistory   = 2
	PrefixMessages  = 3
	PrefixMeta      = 4
	PrefixEntryMeta = 5
	PrefixTraces    = 6
)

// Workflow metadata fields under PrefixMeta.
const (
	MetaState   = 1
	MetaOutput  = 2
	MetaError   = 3
	MetaVersion = 4
	MetaInput   = 5
	// MetaGuardBreadcrumb records the last state-access-guard violation.
	MetaGuardBreadcrumb = 6
)

// Actor namespace prefixes. Actor data lives in its own namespace, separate
// from the workflow namespace, so these do not collide with the workflow
// prefixes above.
const (
	ActorPrefixState    = 1
	ActorPrefixConns    = 2
	ActorPrefixSchedule = 3
	ActorPrefixQueue    = 4
	ActorPrefixKV       = 5
)

// Tuple element type tags. Integers sort before nested tuples, which gives
// plain name segments precedence over loop-iteration segments at equal depth.
const (
	elemInt   = 0x01
	elemTuple = 0x02
	elemBytes = 0x03
)

// appendInt appends an order-preserving unsigned integer element.
func appendInt(dst []byte, v uint64) []byte {
	dst = append(dst, elemInt)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(dst, tmp[:]...)
}

// appendBytes appends a byte-string element. Bytes are escaped so that an
// embedded 0x00 cannot make a shorter key sort after a longer one: each 0x00
// becomes 0x00 0xFF, and the element ends with 0x00 0x00.
func appendBytes(dst []byte, b []byte) []byte {
	dst = append(dst, elemBytes)
	for _, c := range b {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, 0x00, 0x00)
}

// SegmentKind discriminates Path segments.
type SegmentKind uint8

const (
	SegmentName SegmentKind = iota
	SegmentLoopIteration
)

// Segment is one element of a workflow history Path: either an interned name
// index, or a loop-iteration marker (loop name index, iteration).
type Segment struct {
	Kind SegmentKind `json:"kind"`
	// Name is the interned name index (for both kinds; for loop iterations
	// it names the loop).
	Name uint64 `json:"name"`
	// Iteration is set for SegmentLoopIteration.
	Iteration uint64 `json:"iteration,omitempty"`
}

// Name segment constructor.
func NameSegment(index uint64) Segment {
	return Segment{Kind: SegmentName, Name: index}
}

// LoopIteration segment constructor.
func LoopIterationSegment(loopName, iteration uint64) Segment {
	return Segment{Kind: SegmentLoopIteration, Name: loopName, Iteration: iteration}
}

// Path locates an entry in workflow history. Paths are totally ordered by
// their tuple encoding.
type Path []Segment

// Child returns the path extended by a name segment.
func (p Path) Child(nameIndex uint64) Path {
	out := make(Path, 0, len(p)+1)
	out = append(out, p...)
	return append(out, NameSegment(nameIndex))
}

// Iteration returns the path extended by a loop-iteration marker.
func (p Path) Iteration(loopName, iteration uint64) Path {
	out := make(Path, 0, len(p)+1)
	out = append(out, p...)
	return append(out, LoopIterationSegment(loopName, iteration))
}

func (p Path) String() string {
	s := ""
	for i, seg := range p {
		if i > 0 {
			s += "."
		}
		if seg.Kind == SegmentLoopIteration {
			s += fmt.Sprintf("(%d#%d)", seg.Name, seg.Iteration)
		} else {
			s += fmt.Sprintf("%d", seg.Name)
		}
	}
	return s
}

// appendPath appends the tuple encoding of every segment.
func appendPath(dst []byte, p Path) []byte {
	for _, seg := range p {
		switch seg.Kind {
		case SegmentLoopIteration:
			// Nested 2-tuple: tag, element count, elements.
			dst = append(dst, elemTuple, 2)
			dst = appendInt(dst, seg.Name)
			dst = appendInt(dst, seg.Iteration)
		default:
			dst = appendInt(dst, seg.Name)
		}
	}
	return dst
}

// Name returns the key of one name-registry slot.
func Name(index uint64) []byte {
	return appendInt([]byte{PrefixNames}, index)
}

// NamesPrefix scans the whole registry.
func NamesPrefix() []byte { return []byte{PrefixNames} }

// History returns the key of the entry at path.
func History(p Path) []byte {
	return appendPath([]byte{PrefixHistory}, p)
}

// HistoryPrefix scans all history entries.
func HistoryPrefix() []byte { return []byte{PrefixHistory} }

// Message returns the key of one queued message. FIFO follows from byte order
// because message ids are time-ordered UUIDs.
func Message(id uuid.UUID) []byte {
	return appendBytes([]byte{PrefixMessages}, id[:])
}

// MessagesPrefix scans the whole message queue in send order.
func MessagesPrefix() []byte { return []byte{PrefixMessages} }

// Meta returns the key of one workflow metadata field.
func Meta(field uint64) []byte {
	return appendInt([]byte{PrefixMeta}, field)
}

// EntryMeta returns the key of the metadata record for the entry at path.
func EntryMeta(p Path) []byte {
	return appendPath([]byte{PrefixEntryMeta}, p)
}

// EntryMetaPrefix scans all entry metadata.
func EntryMetaPrefix() []byte { return []byte{PrefixEntryMeta} }

// TraceChunk returns the key of one trace chunk inside its time bucket.
func TraceChunk(bucketStartSec int64, chunkID uint64) []byte {
	dst := appendInt([]byte{PrefixTraces}, uint64(bucketStartSec))
	return appendInt(dst, chunkID)
}

// TracesPrefix scans all trace chunks in time order.
func TracesPrefix() []byte { return []byte{PrefixTraces} }

// TraceBucketPrefix scans one time bucket.
func TraceBucketPrefix(bucketStartSec int64) []byte {
	return appendInt([]byte{PrefixTraces}, uint64(bucketStartSec))
}

// Actor namespace keys.

// ActorState is the persisted state blob.
func ActorState() []byte { return []byte{ActorPrefixState} }

// ActorConns is the persisted hibernatable-connection list.
func ActorConns() []byte { return []byte{ActorPrefixConns} }

// ActorSchedule returns the key of one scheduled wake-up by name.
func ActorSchedule(name string) []byte {
	return appendBytes([]byte{ActorPrefixSchedule}, []byte(name))
}

// ActorSchedulePrefix scans all scheduled wake-ups.
func ActorSchedulePrefix() []byte { return []byte{ActorPrefixSchedule} }

// ActorQueueMessage returns the key of one queued message in a named actor
// queue. Byte order yields FIFO per queue name.
func ActorQueueMessage(queue string, id uuid.UUID) []byte {
	dst := appendBytes([]byte{ActorPrefixQueue}, []byte(queue))
	return appendBytes(dst, id[:])
}

// ActorQueuePrefix scans one named queue in send order.
func ActorQueuePrefix(queue string) []byte {
	return appendBytes([]byte{ActorPrefixQueue}, []byte(queue))
}

// ActorKV returns the key of one user KV entry.
func ActorKV(key []byte) []byte {
	return appendBytes([]byte{ActorPrefixKV}, key)
}

// ActorKVPrefix scans the whole user KV area.
func ActorKVPrefix() []byte { return []byte{ActorPrefixKV} }

// Host registry namespace prefixes. The registry maps logical keys to actor
// ids and back; it lives in its own namespace, not in any actor's.
const (
	RegistryPrefixForward = 1
	RegistryPrefixReverse = 2
)

// RegistryForward returns the key mapping (definition, key list) → actor id.
func RegistryForward(definition string, key []string) []byte {
	dst := appendBytes([]byte{RegistryPrefixForward}, []byte(definition))
	for _, k := range key {
		dst = appendBytes(dst, []byte(k))
	}
	return dst
}

// RegistryReverse returns the key mapping actor id → definition name.
func RegistryReverse(actorID string) []byte {
	return appendBytes([]byte{RegistryPrefixReverse}, []byte(actorID))
}
