package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evergreen-ci/quince/driver"
	"github.com/evergreen-ci/quince/mock"
	"github.com/evergreen-ci/quince/testutil"
	"github.com/mongodb/grip/level"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// blockingOpener returns an OpenFunc that connects to the mock driver
// once release is closed.
func blockingOpener(d *mock.Driver, release <-chan struct{}) OpenFunc {
	return func(ctx context.Context) (driver.Connection, error) {
		<-release
		return d.Connect(ctx, "mongodb://localhost", "test")
	}
}

func queued(g *Gate) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

func waitForQueue(t *testing.T, g *Gate, n int) {
	require.Eventually(t, func() bool { return queued(g) == n }, 5*time.Second, time.Millisecond)
}

func TestGate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("StartsClosed", func(t *testing.T) {
		g := New(blockingOpener(mock.NewDriver(), nil), nil)
		assert.Equal(t, StateClosed, g.State())
		assert.ErrorIs(t, g.Ready(ctx), ErrClosed)
	})
	t.Run("QueuedCallersShareOneConnection", func(t *testing.T) {
		d := mock.NewDriver()
		release := make(chan struct{})
		g := New(blockingOpener(d, release), nil)

		const n = 5
		conns := make(chan driver.Connection, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lease, err := g.ExecuteWhenOpened(ctx)
				if !assert.NoError(t, err) {
					return
				}
				defer lease.Release()
				conns <- lease.Conn()
			}()
			waitForQueue(t, g, i+1)
		}
		assert.Equal(t, StateOpening, g.State())

		close(release)
		wg.Wait()
		close(conns)

		require.NoError(t, g.Ready(ctx))
		assert.Equal(t, StateOpen, g.State())
		first := <-conns
		for conn := range conns {
			assert.Equal(t, first, conn)
		}
		assert.Equal(t, 1, d.Connects())
		require.NoError(t, g.Close(ctx, false))
	})
	t.Run("GrantsInArrivalOrder", func(t *testing.T) {
		d := mock.NewDriver()
		release := make(chan struct{})
		g := New(blockingOpener(d, release), nil)

		const n = 3
		waiters := make([]*waiter, n)
		for i := range waiters {
			rctx, giveUp := g.Reserve(ctx)
			defer giveUp()
			waiters[i] = rctx.Value(reservationKey{gate: g}).(*waiter)
		}
		close(release)

		for i, w := range waiters {
			select {
			case <-w.ready:
			case <-time.After(5 * time.Second):
				t.Fatalf("waiter %d was never granted", i)
			}
			if i+1 < n {
				select {
				case <-waiters[i+1].ready:
					t.Fatalf("waiter %d granted before waiter %d took the connection", i+1, i)
				case <-time.After(20 * time.Millisecond):
				}
			}
			assert.NoError(t, w.err)
			w.take()
		}

		require.NoError(t, g.Ready(ctx))
		assert.Equal(t, StateOpen, g.State())
		require.NoError(t, g.Close(ctx, false))
	})
	t.Run("HeldLeaseDoesNotBlockQueue", func(t *testing.T) {
		d := mock.NewDriver()
		release := make(chan struct{})
		g := New(blockingOpener(d, release), nil)

		firstLease := make(chan *Lease, 1)
		go func() {
			lease, err := g.ExecuteWhenOpened(ctx)
			assert.NoError(t, err)
			firstLease <- lease
		}()
		waitForQueue(t, g, 1)

		secondDone := make(chan struct{})
		go func() {
			defer close(secondDone)
			lease, err := g.ExecuteWhenOpened(ctx)
			if assert.NoError(t, err) {
				lease.Release()
			}
		}()
		waitForQueue(t, g, 2)
		close(release)

		lease := <-firstLease
		select {
		case <-secondDone:
		case <-time.After(5 * time.Second):
			t.Fatal("second waiter was held up by the first lease")
		}
		require.NoError(t, g.Ready(ctx))
		assert.Equal(t, StateOpen, g.State())

		// a caller arriving while the first lease is still held goes
		// straight through
		third, err := g.ExecuteWhenOpened(ctx)
		require.NoError(t, err)
		third.Release()

		lease.Release()
		require.NoError(t, g.Close(ctx, false))
	})
	t.Run("HeldLeaseBypassesQueue", func(t *testing.T) {
		d := mock.NewDriver()
		release := make(chan struct{})
		g := New(blockingOpener(d, release), nil)

		done := make(chan struct{})
		go func() {
			defer close(done)
			lease, err := g.ExecuteWhenOpened(ctx)
			if !assert.NoError(t, err) {
				return
			}
			defer lease.Release()

			nested, err := g.ExecuteWhenOpened(lease.Context())
			if assert.NoError(t, err) {
				assert.Equal(t, lease.Conn(), nested.Conn())
				nested.Release()
			}
		}()
		waitForQueue(t, g, 1)
		close(release)
		<-done

		require.NoError(t, g.Ready(ctx))
		require.NoError(t, g.Close(ctx, false))
	})
	t.Run("FailureRejectsEveryWaiter", func(t *testing.T) {
		release := make(chan struct{})
		g := New(func(context.Context) (driver.Connection, error) {
			<-release
			return nil, errors.New("connection refused")
		}, nil)

		const n = 3
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			go func() {
				_, err := g.ExecuteWhenOpened(ctx)
				errs <- err
			}()
			waitForQueue(t, g, i+1)
		}
		close(release)

		for i := 0; i < n; i++ {
			assert.EqualError(t, <-errs, "connection refused")
		}
		assert.Equal(t, StateClosed, g.State())
		assert.EqualError(t, g.Ready(ctx), "connection refused")
	})
	t.Run("RetriesAfterFailure", func(t *testing.T) {
		d := mock.NewDriver()
		attempts := int32(0)
		g := New(func(ctx context.Context) (driver.Connection, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, errors.New("connection refused")
			}
			return d.Connect(ctx, "mongodb://localhost", "test")
		}, nil)

		_, err := g.ExecuteWhenOpened(ctx)
		require.Error(t, err)

		lease, err := g.ExecuteWhenOpened(ctx)
		require.NoError(t, err)
		lease.Release()
		assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
		require.NoError(t, g.Close(ctx, false))
	})
	t.Run("PanickingOpenerRejects", func(t *testing.T) {
		g := New(func(context.Context) (driver.Connection, error) { panic("no network") }, nil)

		_, err := g.ExecuteWhenOpened(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no network")
		assert.Equal(t, StateClosed, g.State())
	})
	t.Run("OpenerWithoutConnectionRejects", func(t *testing.T) {
		g := New(func(context.Context) (driver.Connection, error) { return nil, nil }, nil)

		_, err := g.ExecuteWhenOpened(ctx)
		assert.Error(t, err)
	})
	t.Run("CancelledWaiterIsSkipped", func(t *testing.T) {
		d := mock.NewDriver()
		release := make(chan struct{})
		g := New(blockingOpener(d, release), nil)

		waitCtx, waitCancel := context.WithCancel(ctx)
		cancelled := make(chan error, 1)
		go func() {
			_, err := g.ExecuteWhenOpened(waitCtx)
			cancelled <- err
		}()
		waitForQueue(t, g, 1)

		waitCancel()
		assert.ErrorIs(t, <-cancelled, context.Canceled)

		close(release)
		lease, err := g.ExecuteWhenOpened(ctx)
		require.NoError(t, err)
		lease.Release()
		require.NoError(t, g.Close(ctx, false))
	})
	t.Run("CloseWhileOpeningRunsAfterQueuedWork", func(t *testing.T) {
		d := mock.NewDriver()
		release := make(chan struct{})
		g := New(blockingOpener(d, release), nil)

		var conn driver.Connection
		opDone := make(chan struct{})
		go func() {
			defer close(opDone)
			lease, err := g.ExecuteWhenOpened(ctx)
			if assert.NoError(t, err) {
				conn = lease.Conn()
				lease.Release()
			}
		}()
		waitForQueue(t, g, 1)

		closed := make(chan error, 1)
		go func() { closed <- g.Close(ctx, true) }()
		waitForQueue(t, g, 2)

		close(release)
		<-opDone
		require.NoError(t, <-closed)
		assert.Equal(t, StateClosed, g.State())

		isClosed, forced := conn.(*mock.Connection).Closed()
		assert.True(t, isClosed)
		assert.True(t, forced)
	})
	t.Run("ReopensAfterClose", func(t *testing.T) {
		d := mock.NewDriver()
		g := New(func(ctx context.Context) (driver.Connection, error) {
			return d.Connect(ctx, "mongodb://localhost", "test")
		}, nil)

		g.Open()
		require.NoError(t, g.Ready(ctx))
		assert.Equal(t, StateOpen, g.State())

		require.NoError(t, g.Close(ctx, false))
		assert.Equal(t, StateClosed, g.State())
		require.NoError(t, g.Close(ctx, false))

		lease, err := g.ExecuteWhenOpened(ctx)
		require.NoError(t, err)
		lease.Release()
		assert.Equal(t, 2, d.Connects())
		require.NoError(t, g.Close(ctx, false))
	})
	t.Run("LogsStateChanges", func(t *testing.T) {
		logger, sender := testutil.NewTestLogger(t, level.Debug)
		d := mock.NewDriver()
		g := New(func(ctx context.Context) (driver.Connection, error) {
			return d.Connect(ctx, "mongodb://localhost", "test")
		}, logger)

		g.Open()
		require.NoError(t, g.Ready(ctx))
		require.NoError(t, g.Close(ctx, false))

		msgs := testutil.Messages(sender)
		require.Len(t, msgs, 3)
		for _, msg := range msgs {
			assert.Contains(t, msg, "connection state changed")
		}
	})
	t.Run("LogsInvalidTransitions", func(t *testing.T) {
		logger, sender := testutil.NewTestLogger(t, level.Warning)
		g := New(blockingOpener(mock.NewDriver(), nil), logger)

		g.mu.Lock()
		g.event(ctx, eventOpened)
		g.mu.Unlock()

		assert.Equal(t, StateClosed, g.State())
		msgs := testutil.Messages(sender)
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0], "invalid connection state transition")
	})
}

func TestLease(t *testing.T) {
	g := &Gate{}
	l := newLease(context.Background(), g, nil)
	assert.False(t, l.released())

	l.Release()
	l.Release()
	assert.True(t, l.released())
	assert.Equal(t, l, l.Context().Value(leaseKey{gate: g}))
	assert.Nil(t, l.Context().Value(leaseKey{gate: &Gate{}}))
}

func TestReserve(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("ClaimsOutOfReservationOrder", func(t *testing.T) {
		d := mock.NewDriver()
		release := make(chan struct{})
		g := New(blockingOpener(d, release), nil)

		const n = 4
		var wg sync.WaitGroup
		reserved := make([]context.Context, n)
		done := make([]func(), n)
		for i := 0; i < n; i++ {
			reserved[i], done[i] = g.Reserve(ctx)
		}
		assert.Equal(t, n, queued(g))

		// later reservations are claimed first, and each wait ends once
		// the places ahead of it have been handed the connection
		leases := make(chan *Lease, n)
		for i := n - 1; i >= 0; i-- {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer done[i]()
				lease, err := g.ExecuteWhenOpened(reserved[i])
				if assert.NoError(t, err) {
					leases <- lease
				}
			}(i)
		}
		close(release)
		wg.Wait()
		close(leases)

		count := 0
		for lease := range leases {
			lease.Release()
			count++
		}
		assert.Equal(t, n, count)
		require.NoError(t, g.Ready(ctx))
		require.NoError(t, g.Close(ctx, false))
	})
	t.Run("ReservationWaitsForItsTurn", func(t *testing.T) {
		d := mock.NewDriver()
		release := make(chan struct{})
		g := New(blockingOpener(d, release), nil)

		first, firstDone := g.Reserve(ctx)
		second, secondDone := g.Reserve(ctx)
		defer secondDone()
		close(release)

		claimed := make(chan struct{})
		go func() {
			defer close(claimed)
			lease, err := g.ExecuteWhenOpened(second)
			if assert.NoError(t, err) {
				lease.Release()
			}
		}()
		select {
		case <-claimed:
			t.Fatal("second reservation claimed before the first was taken")
		case <-time.After(20 * time.Millisecond):
		}

		lease, err := g.ExecuteWhenOpened(first)
		require.NoError(t, err)
		firstDone()
		<-claimed
		lease.Release()
		require.NoError(t, g.Ready(ctx))
		require.NoError(t, g.Close(ctx, false))
	})
	t.Run("UnclaimedReservationDoesNotBlock", func(t *testing.T) {
		d := mock.NewDriver()
		release := make(chan struct{})
		g := New(blockingOpener(d, release), nil)

		_, giveUp := g.Reserve(ctx)
		next, done := g.Reserve(ctx)
		defer done()
		giveUp()
		close(release)

		lease, err := g.ExecuteWhenOpened(next)
		require.NoError(t, err)
		lease.Release()
		require.NoError(t, g.Ready(ctx))
		require.NoError(t, g.Close(ctx, false))
	})
	t.Run("OpenGateNeedsNoReservation", func(t *testing.T) {
		d := mock.NewDriver()
		g := New(func(ctx context.Context) (driver.Connection, error) {
			return d.Connect(ctx, "mongodb://localhost", "test")
		}, nil)
		g.Open()
		require.NoError(t, g.Ready(ctx))

		rctx, done := g.Reserve(ctx)
		defer done()
		assert.Equal(t, ctx, rctx)
		assert.Zero(t, queued(g))
		require.NoError(t, g.Close(ctx, false))
	})
}
