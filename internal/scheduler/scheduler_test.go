package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/tierjit/internal/backend"
	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/ir"
	"github.com/tangzhangming/tierjit/internal/regalloc"
	"github.com/tangzhangming/tierjit/internal/version"
)

func testConfig(workers int) Config {
	return Config{
		Workers:          workers,
		IdleSleepMicros:  50,
		FairnessInterval: DefaultFairnessInterval,
		GlobalBatch:      1,
	}
}

func newTestScheduler(t *testing.T, cfg Config, be backend.Backend) (*Scheduler, *version.Registry) {
	t.Helper()
	if be == nil {
		be = backend.NewAMD64()
	}
	reg := version.NewRegistry(version.Options{})
	s, err := New(cfg, Options{
		RegAlloc: regalloc.DefaultConfig(),
		Backend:  be,
		Versions: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, reg
}

func block(addr ir.GuestAddr, k int64) *ir.Block {
	return ir.NewBuilder(addr).
		Emit(ir.MovImm(1, k)).
		Emit(ir.AddImm(2, 1, 1)).
		LiveOut(2).
		Build(ir.Ret())
}

// slowBackend 在真实后端前加一段延时
func slowBackend(d time.Duration) backend.Backend {
	amd := backend.NewAMD64()
	return backend.EmitterFunc(func(blk *ir.Block, alloc *regalloc.Result) (backend.Code, error) {
		time.Sleep(d)
		return amd.Emit(blk, alloc)
	})
}

// recorder 按完成顺序记录回调
type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) callback(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) order() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, len(r.results))
	for i, res := range r.results {
		ids[i] = res.TaskID
	}
	return ids
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(testConfig(1), Options{Backend: backend.NewAMD64()})
	assert.True(t, jiterrors.Is(err, jiterrors.ErrInvalidConfig))

	_, err = New(testConfig(1), Options{Versions: version.NewRegistry(version.Options{})})
	assert.True(t, jiterrors.Is(err, jiterrors.ErrInvalidConfig))
}

func TestCompileSync(t *testing.T) {
	s, reg := newTestScheduler(t, testConfig(2), nil)
	s.Start()

	res, err := s.CompileSync(context.Background(), block(0x1000, 7), 5)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.False(t, res.CacheHit)
	assert.Equal(t, version.CodeVersion(1), res.Version)
	require.NotNil(t, res.Code)
	assert.NotEmpty(t, res.Code.Code)

	mgr, ok := reg.Lookup(0x1000)
	require.True(t, ok)
	cur, ok := mgr.Current()
	require.True(t, ok)
	assert.Equal(t, res.Version, cur.Version)

	st := s.Stats()
	assert.Equal(t, int64(1), st.Submitted)
	assert.Equal(t, int64(1), st.Successful)
	assert.Equal(t, int64(1), st.CacheMisses)
	assert.Equal(t, int64(0), st.Pending)
}

func TestContentHashCacheHit(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(1), nil)
	s.Start()
	ctx := context.Background()

	first, err := s.CompileSync(ctx, block(0x2000, 1), 0)
	require.NoError(t, err)
	second, err := s.CompileSync(ctx, block(0x2000, 1), 0)
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Version, second.Version)

	st := s.Stats()
	assert.Equal(t, int64(1), st.CacheHits)
	assert.Equal(t, int64(1), st.CacheMisses)
	assert.InDelta(t, 0.5, st.CacheHitRate(), 1e-9)
}

func TestCacheHitMakesVersionCurrent(t *testing.T) {
	s, reg := newTestScheduler(t, testConfig(1), nil)
	s.Start()
	ctx := context.Background()

	a, err := s.CompileSync(ctx, block(0x3000, 1), 0)
	require.NoError(t, err)
	b, err := s.CompileSync(ctx, block(0x3000, 2), 0)
	require.NoError(t, err)
	require.NotEqual(t, a.Version, b.Version)

	again, err := s.CompileSync(ctx, block(0x3000, 1), 0)
	require.NoError(t, err)
	assert.True(t, again.CacheHit)

	mgr, _ := reg.Lookup(0x3000)
	assert.Equal(t, a.Version, mgr.CurrentVersion())
}

func TestEveryTaskIsAccounted(t *testing.T) {
	amd := backend.NewAMD64()
	be := backend.EmitterFunc(func(blk *ir.Block, alloc *regalloc.Result) (backend.Code, error) {
		if uint64(blk.Start)%5 == 0 {
			return backend.Code{}, errors.New("unsupported block")
		}
		return amd.Emit(blk, alloc)
	})
	s, reg := newTestScheduler(t, testConfig(4), be)
	s.Start()

	const n = 1000
	for i := 0; i < n; i++ {
		_, err := s.Submit(block(ir.GuestAddr(i), int64(i)), i%MaxPriority, nil)
		require.NoError(t, err)
	}
	s.WaitAll()

	st := s.Stats()
	assert.Equal(t, int64(n), st.Submitted)
	assert.Equal(t, st.Submitted, st.Successful+st.Failed)
	assert.Equal(t, int64(n/5), st.Failed)
	assert.Equal(t, int64(0), st.Pending)
	assert.LessOrEqual(t, st.PeakPending, int64(n))

	var processed int64
	for _, w := range st.Workers {
		processed += w.Processed
	}
	assert.Equal(t, int64(n), processed)

	// 失败的块不产生版本
	assert.Equal(t, n-n/5, reg.TotalVersions())
	mgr, ok := reg.Lookup(0)
	require.True(t, ok)
	_, ok = mgr.Current()
	assert.False(t, ok)
}

func TestBackendPanicBecomesCompilationFailure(t *testing.T) {
	be := backend.EmitterFunc(func(*ir.Block, *regalloc.Result) (backend.Code, error) {
		panic("encoder exploded")
	})
	s, reg := newTestScheduler(t, testConfig(1), be)
	s.Start()

	res, err := s.CompileSync(context.Background(), block(0x4000, 1), 0)
	require.Error(t, err)
	assert.True(t, jiterrors.Is(err, jiterrors.ErrCompilationFailure))
	assert.Contains(t, err.Error(), "encoder exploded")
	assert.False(t, res.OK())

	mgr, _ := reg.Lookup(0x4000)
	assert.Equal(t, 0, mgr.Len())
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestCallbackPanicDoesNotStopWorker(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(1), nil)
	s.Start()

	_, err := s.Submit(block(0x10, 1), 0, func(Result) { panic("callback") })
	require.NoError(t, err)
	res, err := s.CompileSync(context.Background(), block(0x20, 2), 0)
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestLocalPriorityOrder(t *testing.T) {
	cfg := testConfig(1)
	cfg.FairnessInterval = 0
	s, _ := newTestScheduler(t, cfg, nil)

	rec := &recorder{}
	for i, p := range []int{1, 5, 3, 5} {
		_, err := s.SubmitTo(0, block(ir.GuestAddr(0x100*(i+1)), int64(i)), p, rec.callback)
		require.NoError(t, err)
	}
	s.Start()
	s.WaitAll()

	// 高优先级先出，同优先级后进先出
	assert.Equal(t, []uint64{4, 2, 3, 1}, rec.order())
}

func TestGlobalTaskStarvesWithoutFairness(t *testing.T) {
	cfg := testConfig(1)
	cfg.FairnessInterval = 0
	s, _ := newTestScheduler(t, cfg, nil)

	rec := &recorder{}
	globalID, err := s.Submit(block(0x9000, 99), MaxPriority, rec.callback)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.SubmitTo(0, block(ir.GuestAddr(i), int64(i)), 0, rec.callback)
		require.NoError(t, err)
	}
	s.Start()
	s.WaitAll()

	order := rec.order()
	require.Len(t, order, 6)
	assert.Equal(t, globalID, order[5], "global task runs only after the local queue drains")
}

func TestFairnessIntervalServesGlobalQueue(t *testing.T) {
	cfg := testConfig(1)
	cfg.FairnessInterval = 2
	s, _ := newTestScheduler(t, cfg, nil)

	rec := &recorder{}
	globalID, err := s.Submit(block(0x9000, 99), 0, rec.callback)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.SubmitTo(0, block(ir.GuestAddr(i), int64(i)), 0, rec.callback)
		require.NoError(t, err)
	}
	s.Start()
	s.WaitAll()

	order := rec.order()
	require.Len(t, order, 6)
	assert.Equal(t, globalID, order[2])
}

func TestGlobalBatchMovesTasksLocal(t *testing.T) {
	cfg := testConfig(1)
	cfg.FairnessInterval = 0
	cfg.GlobalBatch = 3
	s, _ := newTestScheduler(t, cfg, nil)

	rec := &recorder{}
	for i := 0; i < 3; i++ {
		_, err := s.Submit(block(ir.GuestAddr(i), int64(i)), 0, rec.callback)
		require.NoError(t, err)
	}
	s.Start()
	s.WaitAll()

	// 第一个直接执行，其余两个进入本地队列后按后进先出弹出
	assert.Equal(t, []uint64{1, 3, 2}, rec.order())
	st := s.Stats()
	assert.Equal(t, int64(3), st.GlobalPops)
	assert.Equal(t, int64(2), st.LocalPops)
}

func TestIdleWorkerSteals(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(2), slowBackend(time.Millisecond))

	for i := 0; i < 20; i++ {
		_, err := s.SubmitTo(0, block(ir.GuestAddr(i), int64(i)), 0, nil)
		require.NoError(t, err)
	}
	s.Start()
	s.WaitAll()

	st := s.Stats()
	assert.Equal(t, int64(20), st.Successful)
	assert.Greater(t, st.Steals, int64(0))
	assert.Greater(t, st.Workers[1].Processed, int64(0))
	assert.Equal(t, st.Steals, st.Workers[0].Stolen+st.Workers[1].Stolen)
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig(1)
	cfg.MaxQueueSize = 2
	s, _ := newTestScheduler(t, cfg, nil)

	for i := 0; i < 2; i++ {
		_, err := s.Submit(block(ir.GuestAddr(i), 0), 0, nil)
		require.NoError(t, err)
	}
	_, err := s.Submit(block(0x99, 0), 0, nil)
	require.Error(t, err)
	assert.True(t, jiterrors.Is(err, jiterrors.ErrQueueFull))
	assert.True(t, jiterrors.IsRetryable(err))
	assert.Equal(t, jiterrors.J0101, jiterrors.Code(err))
	assert.Equal(t, int64(2), s.Stats().Submitted)
}

func TestShutdownFailsQueuedTasks(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(2), nil)

	rec := &recorder{}
	for i := 0; i < 5; i++ {
		_, err := s.Submit(block(ir.GuestAddr(i), 0), 0, rec.callback)
		require.NoError(t, err)
	}
	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())

	require.Len(t, rec.results, 5)
	for _, res := range rec.results {
		assert.True(t, jiterrors.Is(res.Err, jiterrors.ErrShutdown))
		assert.Equal(t, -1, res.Worker)
	}
	st := s.Stats()
	assert.Equal(t, int64(5), st.Failed)
	assert.Equal(t, int64(0), st.Pending)

	_, err := s.Submit(block(0x77, 0), 0, nil)
	assert.True(t, jiterrors.Is(err, jiterrors.ErrShutdown))

	s.Start()
	assert.False(t, s.IsRunning())
}

func TestShutdownFinishesInFlightWork(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(1), slowBackend(2*time.Millisecond))
	s.Start()

	for i := 0; i < 10; i++ {
		_, err := s.Submit(block(ir.GuestAddr(i), int64(i)), 0, nil)
		require.NoError(t, err)
	}
	time.Sleep(3 * time.Millisecond)
	require.NoError(t, s.Shutdown())

	st := s.Stats()
	assert.Equal(t, st.Submitted, st.Completed())
	assert.Equal(t, int64(0), st.Pending)
}

func TestSubmitTakesOwnedCopy(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(1), nil)

	blk := block(0x5000, 3)
	want := blk.Hash()
	done := make(chan Result, 1)
	_, err := s.Submit(blk, 0, func(r Result) { done <- r })
	require.NoError(t, err)

	blk.Ops[0] = ir.MovImm(1, 1000)
	s.Start()

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, want, res.Code.IRHash)
}

func TestWaitAllContextCancelled(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(1), nil)
	_, err := s.Submit(block(0x1, 1), 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitAllContext(ctx), context.DeadlineExceeded)

	_, err = s.CompileSync(ctx, block(0x2, 2), 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Start()
	require.NoError(t, s.WaitAllContext(context.Background()))
}

func TestArenaReceivesCode(t *testing.T) {
	arena, err := backend.NewArena(64 * 1024)
	require.NoError(t, err)
	defer arena.Close()

	reg := version.NewRegistry(version.Options{})
	s, err := New(testConfig(1), Options{Backend: backend.NewAMD64(), Versions: reg, Arena: arena})
	require.NoError(t, err)
	defer s.Shutdown()
	s.Start()

	res, err := s.CompileSync(context.Background(), block(0x6000, 1), 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Code.Handle, 0)
	assert.Equal(t, res.Code.Code, arena.Bytes(backend.Handle(res.Code.Handle)))
}

func TestSubmitToOutOfRange(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(2), nil)
	_, err := s.SubmitTo(2, block(0, 0), 0, nil)
	assert.True(t, jiterrors.Is(err, jiterrors.ErrInvalidConfig))
	_, err = s.Submit(nil, 0, nil)
	assert.Error(t, err)
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 0, clampPriority(-3))
	assert.Equal(t, 4, clampPriority(4))
	assert.Equal(t, MaxPriority, clampPriority(99))
}

func TestLocalQueue(t *testing.T) {
	var q localQueue
	for i, p := range []int{2, 0, 2, 1} {
		q.push(&Task{ID: uint64(i + 1), Priority: p})
	}
	assert.Equal(t, 4, q.len())
	assert.Equal(t, uint64(2), q.steal().ID, "steal takes the lowest priority")
	assert.Equal(t, uint64(3), q.pop().ID)
	assert.Equal(t, uint64(1), q.pop().ID)
	assert.Equal(t, uint64(4), q.pop().ID)
	assert.Nil(t, q.pop())
	assert.Nil(t, q.steal())
}

func TestGlobalQueueFIFO(t *testing.T) {
	var q globalQueue
	for i := 1; i <= 5; i++ {
		q.push(&Task{ID: uint64(i)})
	}
	batch := q.popBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, uint64(1), batch[0].ID)
	assert.Equal(t, uint64(2), batch[1].ID)
	assert.Equal(t, 3, q.len())

	rest := q.drain()
	require.Len(t, rest, 3)
	assert.Equal(t, uint64(3), rest[0].ID)
	assert.Empty(t, q.popBatch(1))
}
