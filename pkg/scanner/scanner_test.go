package scanner

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/84hero/token-indexer/pkg/decoder"
	"github.com/84hero/token-indexer/pkg/storage"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const erc20ABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

// MockRPC implements rpc.Client
type MockRPC struct {
	mock.Mock
}

func (m *MockRPC) ChainID(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockRPC) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	args := m.Called(ctx, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Header), args.Error(1)
}

func (m *MockRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Log), args.Error(1)
}

func (m *MockRPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	args := m.Called(ctx, msg, blockNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockRPC) Close() {
	m.Called()
}

type staticSources []Source

func (s staticSources) Refresh(context.Context) ([]Source, error) { return s, nil }

type transferRec struct {
	tx    common.Hash
	value int64
}

func (transferRec) Kind() string { return "transfer" }

type valueMapper struct{}

func (valueMapper) Map(_ context.Context, ev RawEvent) (Record, error) {
	v := ev.Args["value"].(*big.Int)
	if !v.IsInt64() {
		return nil, ErrUnmappable
	}
	if v.Int64() == 0 {
		return nil, nil
	}
	return transferRec{tx: ev.TxHash, value: v.Int64()}, nil
}

// memSink keeps committed records; a batch is invisible until Flush.
type memSink struct {
	mu        sync.Mutex
	committed []Record
	flushes   int
	rollbacks int
	applyErr  error
}

type memBatch struct {
	s       *memSink
	pending []Record
}

func (s *memSink) Begin(context.Context) (Batch, error) { return &memBatch{s: s}, nil }

func (b *memBatch) Apply(_ context.Context, rec Record) error {
	if b.s.applyErr != nil {
		return b.s.applyErr
	}
	b.pending = append(b.pending, rec)
	return nil
}

func (b *memBatch) Flush(context.Context) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.committed = append(b.s.committed, b.pending...)
	b.s.flushes++
	return nil
}

func (b *memBatch) Rollback() error {
	b.s.rollbacks++
	return nil
}

type recordingPublisher struct {
	windows []Window
	count   int
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, w Window, recs []Record) error {
	p.windows = append(p.windows, w)
	p.count += len(recs)
	return errors.New("downstream unavailable")
}

var token = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func transferLog(t *testing.T, block uint64, index uint, value *big.Int) types.Log {
	t.Helper()
	c := decoder.MustFromJSON(erc20ABI)
	topic, _ := c.EventID("Transfer")
	data := common.LeftPadBytes(value.Bytes(), 32)
	return types.Log{
		Address:     token,
		Topics:      []common.Hash{topic, common.HexToHash("0x01"), common.HexToHash("0x02")},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100) + int64(index))),
	}
}

func newTestScanner(client *MockRPC, store storage.Checkpoints, sink *memSink, cfg Config) *Scanner {
	src := Source{Address: token, Contract: decoder.MustFromJSON(erc20ABI), Events: []string{"Transfer"}}
	return New(client, store, Stream{
		Name:       "Transfer",
		Enumerator: staticSources{src},
		Mapper:     valueMapper{},
		Sink:       sink,
	}, cfg)
}

func TestRunCycle_CommitsThenSavesCheckpoint(t *testing.T) {
	ctx := context.Background()
	client := new(MockRPC)
	store := storage.NewMemoryStore("")
	sink := &memSink{}
	pub := &recordingPublisher{}

	client.On("BlockNumber", ctx).Return(uint64(60), nil)
	client.On("FilterLogs", ctx, mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return q.FromBlock.Uint64() == 0 && q.ToBlock.Uint64() == 60
	})).Return([]types.Log{
		// Out of chain order on purpose
		transferLog(t, 50, 3, big.NewInt(7)),
		transferLog(t, 50, 1, big.NewInt(100)),
		transferLog(t, 52, 0, big.NewInt(0)),
	}, nil).Once()

	s := newTestScanner(client, store, sink, Config{})
	s.SetPublisher(pub)
	require.NoError(t, s.RunCycle(ctx))

	cp, _ := store.Load(ctx, "Transfer")
	assert.Equal(t, uint64(60), cp)
	require.Len(t, sink.committed, 2)
	assert.Equal(t, int64(100), sink.committed[0].(transferRec).value)
	assert.Equal(t, int64(7), sink.committed[1].(transferRec).value)

	// A failing publisher does not hold the checkpoint
	assert.Equal(t, []Window{{0, 60}}, pub.windows)
	assert.Equal(t, 2, pub.count)

	// Head unchanged: nothing planned, nothing fetched
	require.NoError(t, s.RunCycle(ctx))
	assert.Equal(t, 1, sink.flushes)
	client.AssertNumberOfCalls(t, "FilterLogs", 1)
}

func TestRunCycle_FetchFailureHoldsCheckpoint(t *testing.T) {
	ctx := context.Background()
	client := new(MockRPC)
	store := storage.NewMemoryStore("")
	require.NoError(t, store.Save(ctx, "Transfer", 40))
	sink := &memSink{}

	client.On("BlockNumber", ctx).Return(uint64(60), nil)
	client.On("FilterLogs", ctx, mock.Anything).Return(nil, errors.New("filter install failed")).Once()

	s := newTestScanner(client, store, sink, Config{})
	err := s.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrWindowDegraded)

	cp, _ := store.Load(ctx, "Transfer")
	assert.Equal(t, uint64(40), cp)
	assert.Equal(t, 1, sink.flushes)

	// Next cycle re-reads the same window
	client.On("FilterLogs", ctx, mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return q.FromBlock.Uint64() == 41 && q.ToBlock.Uint64() == 60
	})).Return([]types.Log{transferLog(t, 45, 0, big.NewInt(5))}, nil).Once()
	require.NoError(t, s.RunCycle(ctx))
	cp, _ = store.Load(ctx, "Transfer")
	assert.Equal(t, uint64(60), cp)
}

// flakyMapper fails the first n events with a node error.
type flakyMapper struct {
	failures int32
}

func (m *flakyMapper) Map(ctx context.Context, ev RawEvent) (Record, error) {
	if atomic.AddInt32(&m.failures, -1) >= 0 {
		return nil, errors.New("header unavailable")
	}
	return valueMapper{}.Map(ctx, ev)
}

func TestRunCycle_DegradedWindowNotPublished(t *testing.T) {
	ctx := context.Background()
	client := new(MockRPC)
	store := storage.NewMemoryStore("")
	sink := &memSink{}
	pub := &recordingPublisher{}

	client.On("BlockNumber", ctx).Return(uint64(60), nil)
	client.On("FilterLogs", ctx, mock.Anything).Return([]types.Log{
		transferLog(t, 10, 0, big.NewInt(1)),
		transferLog(t, 20, 0, big.NewInt(2)),
	}, nil)

	src := Source{Address: token, Contract: decoder.MustFromJSON(erc20ABI), Events: []string{"Transfer"}}
	s := New(client, store, Stream{
		Name:       "Transfer",
		Enumerator: staticSources{src},
		Mapper:     &flakyMapper{failures: 1},
		Sink:       sink,
	}, Config{})
	s.SetPublisher(pub)

	assert.ErrorIs(t, s.RunCycle(ctx), ErrWindowDegraded)
	assert.Len(t, sink.committed, 1)
	assert.Empty(t, pub.windows)

	require.NoError(t, s.RunCycle(ctx))
	assert.Equal(t, []Window{{0, 60}}, pub.windows)
	assert.Equal(t, 2, pub.count)
}

func TestRunCycle_OverflowDropped(t *testing.T) {
	ctx := context.Background()
	client := new(MockRPC)
	store := storage.NewMemoryStore("")
	sink := &memSink{}

	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	client.On("BlockNumber", ctx).Return(uint64(10), nil)
	client.On("FilterLogs", ctx, mock.Anything).Return([]types.Log{
		transferLog(t, 5, 0, huge),
		transferLog(t, 6, 0, big.NewInt(3)),
	}, nil).Once()

	s := newTestScanner(client, store, sink, Config{})
	require.NoError(t, s.RunCycle(ctx))

	assert.Len(t, sink.committed, 1)
	cp, _ := store.Load(ctx, "Transfer")
	assert.Equal(t, uint64(10), cp)
}

func TestRunCycle_ApplyErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	client := new(MockRPC)
	store := storage.NewMemoryStore("")
	sink := &memSink{applyErr: errors.New("connection reset")}

	client.On("BlockNumber", ctx).Return(uint64(10), nil)
	client.On("FilterLogs", ctx, mock.Anything).Return([]types.Log{transferLog(t, 5, 0, big.NewInt(1))}, nil).Once()

	s := newTestScanner(client, store, sink, Config{})
	assert.Error(t, s.RunCycle(ctx))
	assert.Equal(t, 1, sink.rollbacks)
	assert.Equal(t, 0, sink.flushes)
	cp, _ := store.Load(ctx, "Transfer")
	assert.Equal(t, uint64(0), cp)
}

func TestRunCycle_ChunkedCatchUp(t *testing.T) {
	ctx := context.Background()
	client := new(MockRPC)
	store := storage.NewMemoryStore("")
	sink := &memSink{}

	client.On("BlockNumber", ctx).Return(uint64(25), nil)
	inRange := func(from, to uint64) interface{} {
		return mock.MatchedBy(func(q ethereum.FilterQuery) bool {
			return q.FromBlock.Uint64() == from && q.ToBlock.Uint64() == to
		})
	}
	client.On("FilterLogs", ctx, inRange(0, 9)).Return([]types.Log{transferLog(t, 3, 0, big.NewInt(1))}, nil).Once()
	client.On("FilterLogs", ctx, inRange(10, 19)).Return([]types.Log{}, nil).Once()
	client.On("FilterLogs", ctx, inRange(20, 25)).Return([]types.Log{transferLog(t, 25, 0, big.NewInt(2))}, nil).Once()

	s := newTestScanner(client, store, sink, Config{ChunkSize: 10})
	require.NoError(t, s.RunCycle(ctx))

	assert.Equal(t, 3, sink.flushes)
	assert.Len(t, sink.committed, 2)
	cp, _ := store.Load(ctx, "Transfer")
	assert.Equal(t, uint64(25), cp)
	client.AssertExpectations(t)
}

func TestFetch_BloomSkipsSingleBlock(t *testing.T) {
	ctx := context.Background()
	client := new(MockRPC)
	client.On("HeaderByNumber", ctx, big.NewInt(7)).Return(&types.Header{Bloom: types.Bloom{}}, nil).Once()

	f := NewFetcher(client, true, nil)
	src := Source{Address: token, Contract: decoder.MustFromJSON(erc20ABI)}
	evs, err := f.Fetch(ctx, src, "Transfer", 7, 7)
	assert.NoError(t, err)
	assert.Empty(t, evs)
	client.AssertNotCalled(t, "FilterLogs", mock.Anything, mock.Anything)
}

func TestFetch_SkipsRemovedForeignAndUndecodable(t *testing.T) {
	ctx := context.Background()
	client := new(MockRPC)

	removed := transferLog(t, 1, 0, big.NewInt(1))
	removed.Removed = true
	broken := transferLog(t, 1, 1, big.NewInt(1))
	broken.Topics = broken.Topics[:2]
	good := transferLog(t, 1, 2, big.NewInt(9))
	foreign := transferLog(t, 1, 3, big.NewInt(4))
	foreign.Address = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	client.On("FilterLogs", ctx, mock.Anything).Return([]types.Log{removed, broken, good, foreign}, nil)

	f := NewFetcher(client, false, nil)
	src := Source{Address: token, Contract: decoder.MustFromJSON(erc20ABI)}
	evs, err := f.Fetch(ctx, src, "Transfer", 0, 5)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "Transfer", evs[0].Name)
	assert.Equal(t, uint(2), evs[0].LogIndex)
	assert.Equal(t, big.NewInt(9), evs[0].Args["value"])

	_, err = f.Fetch(ctx, src, "Approval", 0, 5)
	assert.ErrorIs(t, err, decoder.ErrUnknownEvent)
}

func TestStart_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := new(MockRPC)
	store := storage.NewMemoryStore("")
	sink := &memSink{}

	var polls int32
	client.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("node down")).
		Run(func(mock.Arguments) { atomic.AddInt32(&polls, 1) })

	s := newTestScanner(client, store, sink, Config{Interval: 10 * time.Millisecond})
	done := make(chan error)
	go func() { done <- s.Start(ctx) }()

	// Failing cycles keep the loop alive
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&polls) >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}
