package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/84hero/token-indexer/pkg/decoder"
	"github.com/ethereum/go-ethereum/common"
)

// ErrUnmappable marks an event the mapper refuses to turn into a record.
// The event is dropped with a warning; the window stays healthy.
var ErrUnmappable = errors.New("unmappable event")

// Source is one watched contract together with the events read from it.
type Source struct {
	Address  common.Address
	Contract *decoder.Contract
	Events   []string

	// Meta is owned by the enumerator that built the source and read back
	// by its mapper.
	Meta any
}

// RawEvent is a decoded log.
type RawEvent struct {
	Source      Source
	Name        string
	Args        map[string]interface{}
	Address     common.Address
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// Record is a mapped domain row.
type Record interface {
	Kind() string
}

// Enumerator lists the sources of a stream. Called once per cycle.
type Enumerator interface {
	Refresh(ctx context.Context) ([]Source, error)
}

// Mapper turns an event into at most one record. A nil record with a nil
// error means the event carries nothing for this stream. Errors wrapping
// ErrUnmappable drop the event, any other error is transient.
type Mapper interface {
	Map(ctx context.Context, ev RawEvent) (Record, error)
}

// Sink opens one write session per window.
type Sink interface {
	Begin(ctx context.Context) (Batch, error)
}

// Batch collects the merges of one window and commits them together.
type Batch interface {
	Apply(ctx context.Context, rec Record) error
	// Flush commits; on error nothing of the batch is visible.
	Flush(ctx context.Context) error
	Rollback() error
}

// Publisher receives records after their window committed. A degraded window
// is not published; delivery is still at least once, since a crash between
// publish and checkpoint replays the window.
type Publisher interface {
	Publish(ctx context.Context, stream string, w Window, records []Record) error
}

// Observer is notified of window outcomes (metrics).
type Observer interface {
	ObserveWindow(stream string, w Window, res WindowResult, took time.Duration)
	ObserveCheckpoint(stream string, block uint64)
	ObserveError(stream, stage string)
}

// WindowResult summarizes one processed window.
type WindowResult struct {
	Fetched  int
	Applied  int
	Dropped  int
	Degraded bool
}

// Stream is a named pipeline: enumerate, fetch, map, sink.
type Stream struct {
	Name       string
	Enumerator Enumerator
	Mapper     Mapper
	Sink       Sink
}
