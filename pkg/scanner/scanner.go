package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/84hero/token-indexer/pkg/rpc"
	"github.com/84hero/token-indexer/pkg/storage"
	"github.com/ethereum/go-ethereum/log"
)

// ErrWindowDegraded stops a cycle at a window that was committed without
// all of its events; its checkpoint is held back so the next cycle
// re-reads it.
var ErrWindowDegraded = errors.New("window degraded")

type Config struct {
	// Interval between steady-state cycles.
	Interval time.Duration
	// ChunkSize bounds one window (DefaultChunkSize when 0).
	ChunkSize uint64
	// UseBloom pre-checks single-block windows against the header bloom.
	UseBloom bool
}

// Scanner runs one stream: INITIAL_SYNC once, then STEADY_STATE cycles.
type Scanner struct {
	client    rpc.Client
	store     storage.Checkpoints
	config    Config
	stream    Stream
	fetcher   *Fetcher
	publisher Publisher
	observer  Observer
	log       log.Logger
}

func New(client rpc.Client, store storage.Checkpoints, stream Stream, cfg Config) *Scanner {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	logger := log.New("stream", stream.Name)
	return &Scanner{
		client:  client,
		store:   store,
		config:  cfg,
		stream:  stream,
		fetcher: NewFetcher(client, cfg.UseBloom, logger),
		log:     logger,
	}
}

// SetPublisher sets where committed records are forwarded.
func (s *Scanner) SetPublisher(p Publisher) {
	s.publisher = p
}

func (s *Scanner) SetObserver(o Observer) {
	s.observer = o
}

// Name returns the stream name.
func (s *Scanner) Name() string {
	return s.stream.Name
}

// Start runs until ctx is cancelled. Cycle failures are logged and retried
// on the next tick.
func (s *Scanner) Start(ctx context.Context) error {
	s.log.Info("Initial sync started", "interval", s.config.Interval, "chunk", s.config.ChunkSize)
	if err := s.RunCycle(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error("Initial sync incomplete", "err", err)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunCycle(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Error("Sync cycle failed", "err", err)
			}
		}
	}
}

// RunCycle syncs from the stored checkpoint to the current head.
func (s *Scanner) RunCycle(ctx context.Context) error {
	sources, err := s.stream.Enumerator.Refresh(ctx)
	if err != nil {
		s.observeError("enumerate")
		return fmt.Errorf("refresh sources: %w", err)
	}

	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		s.observeError("head")
		return fmt.Errorf("block number: %w", err)
	}
	checkpoint, err := s.store.Load(ctx, s.stream.Name)
	if err != nil {
		s.observeError("checkpoint")
		return fmt.Errorf("load checkpoint: %w", err)
	}

	windows := Plan(checkpoint, head, s.config.ChunkSize)
	if len(windows) == 0 {
		return nil
	}
	s.log.Debug("Cycle planned", "checkpoint", checkpoint, "head", head, "windows", len(windows), "sources", len(sources))

	for _, w := range windows {
		start := time.Now()
		res, err := s.processWindow(ctx, sources, w)
		if err != nil {
			s.observeError("flush")
			return fmt.Errorf("window [%d,%d]: %w", w.From, w.To, err)
		}
		if s.observer != nil {
			s.observer.ObserveWindow(s.stream.Name, w, res, time.Since(start))
		}
		if res.Degraded {
			s.log.Warn("Window committed partially, checkpoint held", "from", w.From, "to", w.To, "applied", res.Applied)
			return fmt.Errorf("window [%d,%d]: %w", w.From, w.To, ErrWindowDegraded)
		}

		if err := s.store.Save(ctx, s.stream.Name, w.To); err != nil {
			s.observeError("checkpoint")
			return fmt.Errorf("save checkpoint %d: %w", w.To, err)
		}
		if s.observer != nil {
			s.observer.ObserveCheckpoint(s.stream.Name, w.To)
		}
		s.log.Info("Window synced", "from", w.From, "to", w.To, "events", res.Fetched, "records", res.Applied, "dropped", res.Dropped, "elapsed", time.Since(start))
	}
	return nil
}

func (s *Scanner) processWindow(ctx context.Context, sources []Source, w Window) (WindowResult, error) {
	var res WindowResult

	var events []RawEvent
	for _, src := range sources {
		for _, name := range src.Events {
			evs, err := s.fetcher.Fetch(ctx, src, name, w.From, w.To)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				s.log.Error("Fetch failed", "contract", src.Address, "event", name, "err", err)
				s.observeError("fetch")
				res.Degraded = true
				continue
			}
			events = append(events, evs...)
		}
	}
	res.Fetched = len(events)
	SortEvents(events)

	batch, err := s.stream.Sink.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}

	records := make([]Record, 0, len(events))
	for _, ev := range events {
		rec, err := s.stream.Mapper.Map(ctx, ev)
		switch {
		case errors.Is(err, ErrUnmappable):
			s.log.Warn("Event dropped", "event", ev.Name, "contract", ev.Address, "tx", ev.TxHash, "err", err)
			res.Dropped++
			continue
		case err != nil:
			if ctx.Err() != nil {
				batch.Rollback()
				return res, ctx.Err()
			}
			s.log.Error("Mapping failed", "event", ev.Name, "contract", ev.Address, "tx", ev.TxHash, "err", err)
			s.observeError("map")
			res.Degraded = true
			continue
		case rec == nil:
			continue
		}

		if err := batch.Apply(ctx, rec); err != nil {
			batch.Rollback()
			return res, fmt.Errorf("apply %s: %w", rec.Kind(), err)
		}
		records = append(records, rec)
	}

	if err := batch.Flush(ctx); err != nil {
		return res, fmt.Errorf("flush: %w", err)
	}
	res.Applied = len(records)

	// A degraded window is read again in full; publish once it commits clean
	if s.publisher != nil && len(records) > 0 && !res.Degraded {
		if err := s.publisher.Publish(ctx, s.stream.Name, w, records); err != nil {
			s.log.Error("Publish failed", "from", w.From, "to", w.To, "err", err)
			s.observeError("publish")
		}
	}
	return res, nil
}

func (s *Scanner) observeError(stage string) {
	if s.observer != nil {
		s.observer.ObserveError(s.stream.Name, stage)
	}
}
