package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragline/internal/logging"
)

func TestStaticCredential(t *testing.T) {
	token, err := Static("abc").Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestRefresherResolvesLazilyAndCaches(t *testing.T) {
	var calls atomic.Int32
	source := ProviderFunc(func(context.Context) (string, error) {
		calls.Add(1)
		return "tok-1", nil
	})

	r := NewRefresher(source, time.Minute, logging.Nop())

	token, err := r.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	_, err = r.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second call must hit the cache")
}

func TestRefresherPicksUpRotatedToken(t *testing.T) {
	var current atomic.Value
	current.Store("old")
	source := ProviderFunc(func(context.Context) (string, error) {
		return current.Load().(string), nil
	})

	r := NewRefresher(source, time.Minute, logging.Nop())
	token, err := r.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old", token)

	current.Store("new")
	r.refresh()

	token, err = r.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", token)
}

func TestRefresherKeepsLastTokenOnFailure(t *testing.T) {
	var fail atomic.Bool
	source := ProviderFunc(func(context.Context) (string, error) {
		if fail.Load() {
			return "", errors.New("token service down")
		}
		return "stable", nil
	})

	r := NewRefresher(source, time.Minute, logging.Nop())
	_, err := r.Credential(context.Background())
	require.NoError(t, err)

	fail.Store(true)
	r.refresh()

	token, err := r.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stable", token)
}

func TestRefresherStartStop(t *testing.T) {
	r := NewRefresher(Static("abc"), 10*time.Millisecond, logging.Nop())
	require.NoError(t, r.Start())
	require.NoError(t, r.Start()) // second start is a no-op
	r.Stop()
	r.Stop() // idempotent
}
