package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_ClosedAllowsAndTracksSuccess(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 2, SuccessThreshold: 1, RecoveryTimeout: time.Second})

	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	var openErr *ErrOpen
	require.ErrorAs(t, err, &openErr)
}

func TestBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})

	b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: 20 * time.Millisecond})

	b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(40 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("still broken") })
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

// TestBreaker_HalfOpenSerializesProbes confirms only one goroutine is
// admitted while the breaker is half_open and a probe is already running;
// everyone else must see ErrOpen until the probe completes.
func TestBreaker_HalfOpenSerializesProbes(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 1, SuccessThreshold: 5, RecoveryTimeout: 10 * time.Millisecond})

	b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateOpen, b.State()) // half_open is entered lazily, on the next admission

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})

	go func() {
		b.Execute(context.Background(), func(ctx context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("second probe should not have been admitted")
		return nil
	})
	var openErr *ErrOpen
	assert.ErrorAs(t, err, &openErr)

	close(probeRelease)
}

func TestRegistry_CreatesPerDependencyLazily(t *testing.T) {
	r := NewRegistry(map[string]Config{
		"openai": {Name: "openai", FailureThreshold: 7, SuccessThreshold: 1, RecoveryTimeout: time.Second},
	})

	openai := r.Get("openai")
	assert.Equal(t, int64(7), openai.config.FailureThreshold)

	chroma := r.Get("chromadb")
	assert.Equal(t, DefaultConfig("chromadb").FailureThreshold, chroma.config.FailureThreshold)

	assert.Same(t, openai, r.Get("openai"))
	assert.Len(t, r.All(), 2)
}
