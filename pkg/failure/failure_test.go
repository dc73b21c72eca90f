package failure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type badRequest struct{ msg string }

func (e *badRequest) Error() string     { return e.msg }
func (e *badRequest) ClientError() bool { return true }

func TestEmptyCollector(t *testing.T) {
	c := NewCollector()
	require.False(t, c.HasFailure())
	require.NoError(t, c.Failure())
	c.Add(nil)
	require.False(t, c.HasFailure())
}

func TestUnwrapStripsRemoteWrappers(t *testing.T) {
	cause := errors.New("shard unavailable")
	wrapped := &RemoteError{Node: "n1", Err: fmt.Errorf("exchange: %w", &RemoteError{Node: "n2", Err: cause})}
	require.Equal(t, cause, Unwrap(wrapped))
	require.Equal(t, cause, Unwrap(cause))
}

func TestDeduplicatesIdenticalCauses(t *testing.T) {
	c := NewCollector()
	c.Add(errors.New("disk full"))
	c.Add(&RemoteError{Node: "n1", Err: errors.New("disk full")})
	c.Add(errors.New("disk full"))

	require.Len(t, multierr.Errors(c.Failure()), 1)
	require.EqualError(t, c.Failure(), "disk full")
}

func TestCategoryRanking(t *testing.T) {
	c := NewCollector()
	c.Add(context.Canceled)
	require.ErrorIs(t, c.Failure(), context.Canceled)

	server := errors.New("remote crashed")
	c.Add(server)
	require.Equal(t, server, c.Primary())
	require.NotErrorIs(t, c.Failure(), context.Canceled)

	client := &badRequest{msg: "unknown column"}
	c.Add(client)
	c.Add(errors.New("another server error"))
	require.Equal(t, client, c.Primary())

	var br *badRequest
	require.ErrorAs(t, c.Failure(), &br)
	require.Len(t, multierr.Errors(c.Failure()), 1)
}

func TestFirstErrorIsPrimaryAndOthersAttached(t *testing.T) {
	c := NewCollector()
	first := errors.New("first")
	c.Add(first)
	for i := 0; i < 20; i++ {
		c.Add(fmt.Errorf("other %d", i))
	}
	require.Equal(t, first, c.Primary())
	errs := multierr.Errors(c.Failure())
	require.Len(t, errs, MaxSuppressed+1)
	require.ErrorIs(t, c.Failure(), first)
}

func TestConcurrentAdd(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Add(&RemoteError{Node: fmt.Sprint(i), Err: errors.New("boom")})
		}(i)
	}
	wg.Wait()
	require.True(t, c.HasFailure())
	require.EqualError(t, c.Failure(), "boom")
}
