// Package ringbuf implements the single-page, single-producer/single-
// consumer ring buffer used as the URPC transport between cores: an array
// of cache-line-sized cells, head/tail/count counters in a trailing
// metadata cell, and a size-prefixed framing protocol on top. The data-
// cache writeback a shared-frame deployment needs after every
// insert/consume is modeled as a pluggable Writeback hook so a cache-
// coherency-aware transport (shared memory mapped with Device-nGnRE
// attributes, say) can be dropped in without touching the framing logic;
// the default hook is a no-op, appropriate for a buffer backed by
// ordinary Go memory.
package ringbuf

import (
	"encoding/binary"
	"sync"

	"github.com/aos-course/init-runtime/internal/errs"
)

// CellSize is the width of one ring cell: one AArch64 cache line.
const CellSize = 64

// PageSize is the size of the shared frame the ring buffer lives in.
const PageSize = 4096

// Capacity is the number of data cells that fit in one page alongside the
// trailing metadata cell holding the head/tail/count counters. Both ends
// of a link derive their wire layout from this constant, so it must never
// change independently of the peer.
const Capacity = (PageSize - 3) / CellSize

// Cell is one 64-byte slot.
type Cell [CellSize]byte

// Writeback is called after a cell (or the metadata cell) is mutated, the
// seam where a real AArch64 build issues a data-cache writeback range
// instruction so the peer core observes the update.
type Writeback func(cellIndex int)

// ErrFull and ErrEmpty are the two retryable conditions ProducerTransmit
// and ConsumerRecv spin on.
var (
	ErrFull  = errs.New(errs.KindTransient, "ringbuf: full")
	ErrEmpty = errs.New(errs.KindTransient, "ringbuf: empty")
)

// Ring is a page-sized SPSC ring buffer. The zero value is not usable;
// construct with New. Multi-writer use is unsupported: the single mutex
// only serializes the one producer against the one consumer, and it is
// held around a single cell operation, never across kernel calls.
type Ring struct {
	mu        sync.Mutex
	cells     [Capacity]Cell
	head      int
	tail      int
	count     int
	writeback Writeback
}

// New constructs a zeroed Ring in ordinary Go memory. A shared-frame
// deployment requires the backing page to be page-aligned; New does not
// arrange any particular alignment.
func New(wb Writeback) *Ring {
	if wb == nil {
		wb = func(int) {}
	}
	return &Ring{writeback: wb}
}

// Insert copies exactly one cell's worth of data into the ring, advancing
// tail and incrementing count, then issues writebacks for the written
// cell and the trailing metadata.
func (r *Ring) Insert(cell Cell) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == Capacity {
		return ErrFull
	}
	r.cells[r.tail] = cell
	idx := r.tail
	r.tail = (r.tail + 1) % Capacity
	r.count++
	r.writeback(idx)
	r.writeback(-1) // metadata cell
	return nil
}

// Consume copies the oldest cell out, advancing head and decrementing
// count.
func (r *Ring) Consume() (Cell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return Cell{}, ErrEmpty
	}
	cell := r.cells[r.head]
	r.head = (r.head + 1) % Capacity
	r.count--
	r.writeback(-1) // metadata cell
	return cell, nil
}

// Len reports the current element count, for tests and diagnostics.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

const sizePrefixLen = 8    // uint64 size prefix
const firstCellPayload = CellSize - sizePrefixLen

// ProducerTransmit frames payload as a size-prefixed sequence of cells
// and retries Insert until every cell lands. FULL is retried internally
// so callers don't need their own spin loop.
func (r *Ring) ProducerTransmit(payload []byte) {
	size := uint64(len(payload))
	offset := 0
	first := true
	for offset < len(payload) || first {
		var cell Cell
		var n int
		if first {
			binary.LittleEndian.PutUint64(cell[:sizePrefixLen], size)
			n = copy(cell[sizePrefixLen:], payload[offset:])
			first = false
		} else {
			n = copy(cell[:], payload[offset:])
		}
		offset += n
		for {
			if err := r.Insert(cell); err == nil {
				break
			}
		}
		if len(payload) == 0 {
			break
		}
	}
}

// ConsumerRecv reads back a full message framed by ProducerTransmit,
// retrying Consume on EMPTY until the first cell arrives and then for
// every subsequent cell required by the size prefix.
func (r *Ring) ConsumerRecv() []byte {
	first := r.mustConsume()
	size := binary.LittleEndian.Uint64(first[:sizePrefixLen])
	payload := make([]byte, size)
	n := copy(payload, first[sizePrefixLen:])
	for uint64(n) < size {
		cell := r.mustConsume()
		n += copy(payload[n:], cell[:])
	}
	return payload
}

func (r *Ring) mustConsume() Cell {
	for {
		cell, err := r.Consume()
		if err == nil {
			return cell
		}
	}
}

// TryConsumerRecv is ConsumerRecv's non-blocking cousin: it reports false
// immediately if no message has started yet, instead of spinning. Once the
// first cell of a message is observed, it still spins for the remaining
// cells (the producer is guaranteed to finish writing them, per
// ProducerTransmit's contract), so a caller polling this from a server loop
// never has to untangle a partially-delivered message. Used by
// internal/rpc's link servicing loop, which needs to poll for an incoming
// request without blocking forever when nothing has arrived yet.
func (r *Ring) TryConsumerRecv() ([]byte, bool) {
	first, err := r.Consume()
	if err != nil {
		return nil, false
	}
	size := binary.LittleEndian.Uint64(first[:sizePrefixLen])
	payload := make([]byte, size)
	n := copy(payload, first[sizePrefixLen:])
	for uint64(n) < size {
		cell := r.mustConsume()
		n += copy(payload[n:], cell[:])
	}
	return payload, true
}
