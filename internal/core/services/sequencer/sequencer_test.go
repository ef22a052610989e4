package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victoralfred/execution-engine/internal/core/domain"
)

func TestSequencer_SerializesPerKey(t *testing.T) {
	s := New(DefaultConfig(), nil)
	defer s.Close()

	counter := 0
	inFlight := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(context.Background(), "ETH", func(*Tx) error {
				inFlight++
				if inFlight != 1 {
					return errors.New("overlapping writers")
				}
				counter++
				inFlight--
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Equal(t, uint64(100), s.Steps())
}

func TestSequencer_KeysAreIndependent(t *testing.T) {
	s := New(DefaultConfig(), nil)
	defer s.Close()

	release := make(chan struct{})
	blocked := make(chan error, 1)
	go func() {
		blocked <- s.Do(context.Background(), "BTC", func(*Tx) error {
			<-release
			return nil
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Do(ctx, "ETH", func(*Tx) error { return nil }))

	close(release)
	require.NoError(t, <-blocked)
	assert.ElementsMatch(t, []string{"BTC", "ETH"}, s.Keys())
}

func TestSequencer_EffectsRunAfterStepInOrder(t *testing.T) {
	s := New(DefaultConfig(), nil)
	defer s.Close()

	var order []string
	err := s.Do(context.Background(), "ETH", func(tx *Tx) error {
		assert.Equal(t, "ETH", tx.Key())
		tx.After(func() { order = append(order, "effect-1") })
		tx.After(func() {
			order = append(order, "effect-2")
			// reentrant call for the same key must not deadlock
			_ = s.Do(context.Background(), "ETH", func(tx *Tx) error {
				order = append(order, "nested-step")
				tx.After(func() { order = append(order, "nested-effect") })
				return nil
			})
		})
		order = append(order, "step")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"step", "effect-1", "effect-2", "nested-step", "nested-effect"}, order)
}

func TestSequencer_FailedStepDropsEffects(t *testing.T) {
	s := New(DefaultConfig(), nil)
	defer s.Close()

	ran := false
	err := s.Do(context.Background(), "ETH", func(tx *Tx) error {
		tx.After(func() { ran = true })
		return domain.ErrValidation
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, ran)

	err = s.Do(context.Background(), "ETH", func(tx *Tx) error {
		tx.After(func() { ran = true })
		panic("boom")
	})
	assert.Error(t, err)
	assert.False(t, ran)
}

func TestSequencer_CancelledContextSkipsStep(t *testing.T) {
	s := New(DefaultConfig(), nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := s.Do(ctx, "ETH", func(*Tx) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestSequencer_Closed(t *testing.T) {
	s := New(DefaultConfig(), nil)
	require.NoError(t, s.Do(context.Background(), "ETH", func(*Tx) error { return nil }))
	s.Close()
	s.Close()

	err := s.Do(context.Background(), "ETH", func(*Tx) error { return nil })
	assert.ErrorIs(t, err, domain.ErrShutdown)
}
