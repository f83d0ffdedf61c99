package aggregator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
	fail map[uint64]bool
}

func (r *recorder) Consume(_ context.Context, out pipeline.RunnerOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, out.Seq)
	if r.fail[out.Seq] {
		return errors.New("sink full")
	}
	return nil
}

func (r *recorder) got() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

type doneLog struct {
	mu        sync.Mutex
	delivered int
	discarded []uint64
}

func (d *doneLog) fn(_ string, seq uint64, discarded bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if discarded {
		d.discarded = append(d.discarded, seq)
	} else {
		d.delivered++
	}
}

func TestDeliversInOrderRegardlessOfCompletionOrder(t *testing.T) {
	const n = 200
	rec := &recorder{}
	done := &doneLog{}
	agg := New(n, WithDone(done.fn))
	require.NoError(t, agg.Add("t", rec))
	agg.Start(context.Background())

	for i := 0; i < n; i++ {
		require.NoError(t, agg.Expect("t", uint64(i*3)))
	}

	order := rand.New(rand.NewSource(42)).Perm(n)
	var wg sync.WaitGroup
	for _, i := range order {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "t", Seq: seq}))
		}(uint64(i * 3))
	}
	wg.Wait()
	agg.Close()

	got := rec.got()
	require.Len(t, got, n)
	for i, seq := range got {
		assert.Equal(t, uint64(i*3), seq)
	}
	assert.Equal(t, n, done.delivered)
	assert.Empty(t, done.discarded)
}

func TestHeadOfLineBlocking(t *testing.T) {
	rec := &recorder{}
	agg := New(4)
	require.NoError(t, agg.Add("t", rec))

	require.NoError(t, agg.Expect("t", 0))
	require.NoError(t, agg.Expect("t", 1))
	require.NoError(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "t", Seq: 1}))
	assert.Equal(t, 2, agg.Buffered("t"))

	require.NoError(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "t", Seq: 0}))
	assert.Equal(t, 0, agg.Buffered("t"))

	agg.Start(context.Background())
	agg.Close()
	assert.Equal(t, []uint64{0, 1}, rec.got())
}

func TestTriggersAreIndependent(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	agg := New(4)
	require.NoError(t, agg.Add("a", a))
	require.NoError(t, agg.Add("b", b))
	agg.Start(context.Background())

	require.NoError(t, agg.Expect("a", 0))
	require.NoError(t, agg.Expect("b", 0))
	require.NoError(t, agg.Expect("b", 1))

	// a's frame 0 never completes before b drains
	require.NoError(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "b", Seq: 1}))
	require.NoError(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "b", Seq: 0}))
	require.NoError(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "a", Seq: 0}))
	agg.Close()

	assert.Equal(t, []uint64{0, 1}, b.got())
	assert.Equal(t, []uint64{0}, a.got())
}

func TestDiscardUnblocksLaterOutputs(t *testing.T) {
	rec := &recorder{}
	done := &doneLog{}
	agg := New(4, WithDone(done.fn))
	require.NoError(t, agg.Add("t", rec))
	agg.Start(context.Background())

	for seq := uint64(0); seq < 3; seq++ {
		require.NoError(t, agg.Expect("t", seq))
	}
	require.NoError(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "t", Seq: 2}))
	require.NoError(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "t", Seq: 0}))
	require.NoError(t, agg.Discard("t", 1))
	agg.Close()

	assert.Equal(t, []uint64{0, 2}, rec.got())
	assert.Equal(t, []uint64{1}, done.discarded)
	assert.Equal(t, 2, done.delivered)
}

func TestConsumerErrorsDoNotStopDelivery(t *testing.T) {
	rec := &recorder{fail: map[uint64]bool{1: true}}
	var failed []uint64
	agg := New(4, WithErrorHandler(func(out pipeline.RunnerOutput, err error) {
		failed = append(failed, out.Seq)
	}))
	require.NoError(t, agg.Add("t", rec))
	agg.Start(context.Background())

	for seq := uint64(0); seq < 3; seq++ {
		require.NoError(t, agg.Expect("t", seq))
		require.NoError(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "t", Seq: seq}))
	}
	agg.Close()

	assert.Equal(t, []uint64{0, 1, 2}, rec.got())
	assert.Equal(t, []uint64{1}, failed)
}

func TestCloseDropsStrandedOutputs(t *testing.T) {
	rec := &recorder{}
	done := &doneLog{}
	agg := New(4, WithDone(done.fn))
	require.NoError(t, agg.Add("t", rec))
	agg.Start(context.Background())

	require.NoError(t, agg.Expect("t", 0))
	require.NoError(t, agg.Expect("t", 1))
	require.NoError(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "t", Seq: 1}))
	agg.Close()

	assert.Empty(t, rec.got())
	assert.ElementsMatch(t, []uint64{0, 1}, done.discarded)
}

func TestRejectsMisuse(t *testing.T) {
	agg := New(2)
	require.NoError(t, agg.Add("t", &recorder{}))
	assert.Error(t, agg.Add("t", &recorder{}))

	require.NoError(t, agg.Expect("t", 5))
	assert.Error(t, agg.Expect("t", 5), "not ascending")
	assert.Error(t, agg.Expect("x", 6), "unknown trigger")
	assert.Error(t, agg.Complete(pipeline.RunnerOutput{TriggerID: "t", Seq: 9}), "not expected")

	require.NoError(t, agg.Expect("t", 6))
	assert.Error(t, agg.Expect("t", 7), "over capacity")

	agg.Start(context.Background())
	assert.Error(t, agg.Add("late", &recorder{}))
	agg.Close()
	assert.Error(t, agg.Expect("t", 8))
}
