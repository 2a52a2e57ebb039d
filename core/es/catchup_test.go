package es

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evertide/evertide-go/ports/kv"
)

type collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collector) project(_ context.Context, env Envelope, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.envs))
	for _, env := range c.envs {
		out = append(out, env.ID)
	}
	return out
}

func newCatchUpFixture(t *testing.T) (*MemoryLog, *KVCheckpointStore, *CatchUpRunner) {
	t.Helper()
	log := NewMemoryLog()
	cps := NewKVCheckpointStore(kv.NewMemStore())
	runner := NewCatchUpRunner(log, cps, newCounterRegistry())
	return log, cps, runner
}

func TestCatchUpRunner_ProcessesAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	log, cps, runner := newCatchUpFixture(t)

	_, err := log.Append(ctx, "s1", []Envelope{
		testEnv("a", 1), testEnv("b", 2), testEnv("c", 3), testEnv("d", 4), testEnv("e", 5),
	}, NoStream)
	require.NoError(t, err)

	col := &collector{}
	require.NoError(t, runner.Run(ctx, "g1", col.project, WithCheckpointBatch(2)))
	assert.Equal(t, GroupRunning, runner.State("g1"))

	require.Eventually(t, func() bool { return col.count() == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, col.ids())

	// two full batches were flushed mid-run, the tail waits for the stop
	cp, err := cps.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, Position(4), cp.Position)

	require.NoError(t, runner.Stop("g1"))
	assert.Equal(t, GroupStopped, runner.State("g1"))

	cp, err = cps.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, Position(5), cp.Position)
}

func TestCatchUpRunner_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	log, cps, runner := newCatchUpFixture(t)

	_, err := log.Append(ctx, "s1", []Envelope{
		testEnv("a", 1), testEnv("b", 2), testEnv("c", 3), testEnv("d", 4), testEnv("e", 5),
	}, NoStream)
	require.NoError(t, err)

	// already processed through position 3
	require.NoError(t, cps.Set(ctx, "g1", 3))

	col := &collector{}
	require.NoError(t, runner.Run(ctx, "g1", col.project))

	require.Eventually(t, func() bool { return col.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"d", "e"}, col.ids())
	require.NoError(t, runner.Stop("g1"))
}

func TestCatchUpRunner_DomainErrorSkippedWithoutRetry(t *testing.T) {
	ctx := context.Background()
	log, cps, runner := newCatchUpFixture(t)

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), testEnv("b", 2), testEnv("c", 3)}, NoStream)
	require.NoError(t, err)

	var mu sync.Mutex
	attemptsB := 0
	col := &collector{}
	project := func(ctx context.Context, env Envelope, event any) error {
		if env.ID == "b" {
			mu.Lock()
			attemptsB++
			mu.Unlock()
			return NewDomainError(KindValidation, "cannot apply")
		}
		return col.project(ctx, env, event)
	}

	require.NoError(t, runner.Run(ctx, "g1", project, WithRetryDelay(time.Millisecond, 5*time.Millisecond)))

	require.Eventually(t, func() bool { return col.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, runner.Stop("g1"))

	mu.Lock()
	assert.Equal(t, 1, attemptsB)
	mu.Unlock()

	// the skipped event is checkpointed past, not redelivered forever
	cp, err := cps.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, Position(3), cp.Position)
}

func TestCatchUpRunner_RetriesInfrastructureErrors(t *testing.T) {
	ctx := context.Background()
	log, _, runner := newCatchUpFixture(t)

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1)}, NoStream)
	require.NoError(t, err)

	var mu sync.Mutex
	attempts := 0
	project := func(context.Context, Envelope, any) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	require.NoError(t, runner.Run(ctx, "g1", project,
		WithMaxRetries(5),
		WithRetryDelay(time.Millisecond, 5*time.Millisecond),
	))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, runner.Stop("g1"))
}

func TestCatchUpRunner_DeadLettersPoisonEvents(t *testing.T) {
	ctx := context.Background()
	log, cps, runner := newCatchUpFixture(t)

	poison := testEnv("bad", 0)
	poison.Data = []byte(`{"n":"not a number"}`)
	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), poison, testEnv("c", 3)}, NoStream)
	require.NoError(t, err)

	var mu sync.Mutex
	var dead []Envelope
	var deadErr error
	dlq := func(_ context.Context, env Envelope, err error) {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, env)
		deadErr = err
	}

	col := &collector{}
	require.NoError(t, runner.Run(ctx, "g1", col.project, WithDeadLetter(dlq)))

	require.Eventually(t, func() bool { return col.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, runner.Stop("g1"))

	mu.Lock()
	require.Len(t, dead, 1)
	assert.Equal(t, "bad", dead[0].ID)
	assert.Equal(t, ClassPoison, Classify(deadErr))
	mu.Unlock()

	// delivery continued past the poison event
	assert.Equal(t, []string{"a", "c"}, col.ids())
	cp, err := cps.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, Position(3), cp.Position)
}

func TestCatchUpRunner_TypePrefixFilter(t *testing.T) {
	ctx := context.Background()
	log, _, runner := newCatchUpFixture(t)

	other := testEnv("x", 9)
	other.Type = "billing.invoiceSent"
	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1), other}, NoStream)
	require.NoError(t, err)

	col := &collector{}
	require.NoError(t, runner.Run(ctx, "g1", col.project, WithTypePrefixes("es.")))

	require.Eventually(t, func() bool { return col.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, col.ids())
	require.NoError(t, runner.Stop("g1"))
}

func TestCatchUpRunner_DuplicateRunRefused(t *testing.T) {
	ctx := context.Background()
	_, _, runner := newCatchUpFixture(t)

	col := &collector{}
	require.NoError(t, runner.Run(ctx, "g1", col.project))

	err := runner.Run(ctx, "g1", col.project)
	assert.ErrorIs(t, err, ErrGroupAlreadyRunning)

	require.NoError(t, runner.Stop("g1"))

	// a stopped group can be started again
	require.NoError(t, runner.Run(ctx, "g1", col.project))
	require.NoError(t, runner.Stop("g1"))
}

func TestCatchUpRunner_ResetCheckpoint(t *testing.T) {
	ctx := context.Background()
	log, cps, runner := newCatchUpFixture(t)

	_, err := log.Append(ctx, "s1", []Envelope{testEnv("a", 1)}, NoStream)
	require.NoError(t, err)

	col := &collector{}
	require.NoError(t, runner.Run(ctx, "g1", col.project, WithCheckpointBatch(1)))
	require.Eventually(t, func() bool { return col.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// refused while the group is live
	err = runner.ResetCheckpoint(ctx, "g1")
	assert.ErrorIs(t, err, ErrGroupRunning)

	require.NoError(t, runner.Stop("g1"))
	require.NoError(t, runner.ResetCheckpoint(ctx, "g1"))

	_, err = cps.Get(ctx, "g1")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	// the next run replays from the beginning
	require.NoError(t, runner.Run(ctx, "g1", col.project))
	require.Eventually(t, func() bool { return col.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, runner.Stop("g1"))
}

func TestCatchUpRunner_StopAllAndGroups(t *testing.T) {
	ctx := context.Background()
	_, _, runner := newCatchUpFixture(t)

	col := &collector{}
	require.NoError(t, runner.Run(ctx, "g1", col.project))
	require.NoError(t, runner.Run(ctx, "g2", col.project))
	assert.Equal(t, []string{"g1", "g2"}, runner.Groups())

	runner.StopAll()
	assert.Equal(t, GroupStopped, runner.State("g1"))
	assert.Equal(t, GroupStopped, runner.State("g2"))
	assert.Equal(t, GroupIdle, runner.State("unknown"))
}
