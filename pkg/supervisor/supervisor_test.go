package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/apexsec/apexhub/pkg/actor"
)

// mockWorker is a controllable actor for testing purposes.
type mockWorker struct {
	startFunc func(ctx context.Context, mb *actor.Mailbox) error
}

func (m *mockWorker) Start(ctx context.Context, mb *actor.Mailbox) error {
	if m.startFunc != nil {
		return m.startFunc(ctx, mb)
	}
	<-ctx.Done()
	return nil
}

func TestSupervisorStartAndShutdown(t *testing.T) {
	sup := NewOneForOneSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)

	spec := Spec{
		ID: "test-worker",
		Actor: &mockWorker{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			defer wg.Done()
			<-ctx.Done()
			return nil
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))

	time.Sleep(100 * time.Millisecond)
	cancel()
	wg.Wait()
}

func TestSupervisorPermanentRestart(t *testing.T) {
	sup := NewOneForOneSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	startCount := 0
	var mu sync.Mutex

	spec := Spec{
		ID: "crashing-worker",
		Actor: &mockWorker{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			mu.Lock()
			startCount++
			mu.Unlock()
			return errors.New("i have failed")
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, startCount, 1, "worker should have been restarted")
}

func TestSupervisorPanicRestart(t *testing.T) {
	sup := NewOneForOneSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	startCount := 0
	var mu sync.Mutex

	spec := Spec{
		ID: "panicking-worker",
		Actor: &mockWorker{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			mu.Lock()
			startCount++
			mu.Unlock()
			panic("something went horribly wrong")
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, startCount, 1, "supervisor should recover the panic and restart")
}

func TestSupervisorTemporaryNoRestart(t *testing.T) {
	sup := NewOneForOneSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	startCount := 0
	var mu sync.Mutex

	spec := Spec{
		ID: "temp-worker",
		Actor: &mockWorker{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			mu.Lock()
			startCount++
			mu.Unlock()
			return nil
		}},
		Restart: RestartTemporary,
		Mailbox: actor.NewMailbox(1),
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, startCount, "temporary worker should only start once")
}

func TestSupervisorStrategies(t *testing.T) {
	t.Run("start with no specs", func(t *testing.T) {
		sup := NewOneForOneSupervisor()
		err := sup.Start(context.Background(), []Spec{})
		assert.Error(t, err)
		assert.Equal(t, "no child specs provided", err.Error())
	})

	t.Run("transient restart on error", func(t *testing.T) {
		sup := NewOneForOneSupervisor()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		startCount := 0
		var mu sync.Mutex

		spec := Spec{
			ID: "transient-worker-fail",
			Actor: &mockWorker{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
				mu.Lock()
				startCount++
				mu.Unlock()
				return errors.New("i failed")
			}},
			Restart: RestartTransient,
			Mailbox: actor.NewMailbox(1),
		}
		assert.NoError(t, sup.Start(ctx, []Spec{spec}))
		<-ctx.Done()

		mu.Lock()
		defer mu.Unlock()
		assert.Greater(t, startCount, 1, "transient worker should restart after failure")
	})

	t.Run("transient no restart on success", func(t *testing.T) {
		sup := NewOneForOneSupervisor()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		startCount := 0
		var mu sync.Mutex

		spec := Spec{
			ID: "transient-worker-success",
			Actor: &mockWorker{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
				mu.Lock()
				startCount++
				mu.Unlock()
				return nil
			}},
			Restart: RestartTransient,
			Mailbox: actor.NewMailbox(1),
		}
		assert.NoError(t, sup.Start(ctx, []Spec{spec}))
		<-ctx.Done()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, startCount, "transient worker should not restart after normal termination")
	})
}
