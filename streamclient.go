package streamclient

import (
	"fmt"
	"sync"
	"time"
)

// StreamPartition identifies one partition of one stream. It is a small value
// type with structural equality, meant to be used as a map key.
type StreamPartition struct {
	Stream    string
	Partition int32
}

func (p StreamPartition) String() string {
	return fmt.Sprintf("%s-%d", p.Stream, p.Partition)
}

// Cursor wraps the opaque read-position token issued by the stream service
// for one partition. Cursors are replaced, never mutated: every successful
// fetch carries the cursor for the next read in its result. A zero ExpiresAt
// means the cursor never expires on the client side (the service may still
// reject it, see CursorExpired).
type Cursor struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the cursor can no longer be used in a fetch
// request. A nil cursor is expired.
func (c *Cursor) Expired() bool {
	if c == nil {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(c.ExpiresAt)
}

// Record is a single stream record. SequenceNumber is decimal text assigned
// by the service, monotonically increasing within a partition. Data is opaque
// to the client; Codec says how it is compressed (see the compression
// package).
type Record struct {
	SequenceNumber string    `json:"sequence_number"`
	Data           []byte    `json:"data"`
	Codec          int16     `json:"codec"`
	Timestamp      time.Time `json:"timestamp"`
}

// FetchRequest describes one read call against a partition. Constructed per
// outstanding call, never reused.
type FetchRequest struct {
	Partition StreamPartition
	Cursor    *Cursor
	Limit     int
}

// FetchResult is what a successful fetch returns: the records read (possibly
// none) and the cursor to use for the next read.
type FetchResult struct {
	Records    []*Record
	NextCursor *Cursor
}

// CursorTable maps partitions to their current read cursors. It is shared
// between the fetcher (which replaces cursors on successful fetches and drops
// them on pause) and the coordinator (which stores freshly resolved cursors
// on seek). Safe for concurrent use.
type CursorTable struct {
	sync.Mutex
	cursors map[StreamPartition]*Cursor
}

func NewCursorTable() *CursorTable {
	return &CursorTable{cursors: make(map[StreamPartition]*Cursor)}
}

func (t *CursorTable) Get(p StreamPartition) *Cursor {
	t.Lock()
	defer t.Unlock()
	return t.cursors[p]
}

func (t *CursorTable) Put(p StreamPartition, c *Cursor) {
	t.Lock()
	t.cursors[p] = c
	t.Unlock()
}

func (t *CursorTable) Delete(p StreamPartition) {
	t.Lock()
	delete(t.cursors, p)
	t.Unlock()
}
