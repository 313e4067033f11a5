// Package gate guards a database connection across its lifecycle.
// Callers that ask for the connection before it is open are queued and
// handed it in arrival order once it opens.
package gate

import (
	"context"
	"sync"

	"github.com/evergreen-ci/quince/driver"
	"github.com/looplab/fsm"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/logging"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const (
	StateClosed  = "closed"
	StateOpening = "opening"
	StateOpen    = "open"

	eventOpen   = "open"
	eventOpened = "opened"
	eventFail   = "fail"
	eventClose  = "close"
)

// ErrClosed is returned when waiting on a gate that has been closed.
var ErrClosed = errors.New("connection is closed")

// OpenFunc establishes a new connection.
type OpenFunc func(ctx context.Context) (driver.Connection, error)

// Gate is a closed/opening/open state machine guarding a single
// connection.
//
// Once the connection is established, waiters queued while the gate was
// opening are handed the connection in arrival order: the next waiter is
// granted only after the previous one has taken its lease. The gate does
// not wait for leases to be released, so a held lease never holds up the
// queue. The gate reports open once the backlog is empty.
type Gate struct {
	open   OpenFunc
	logger grip.Journaler

	mu         sync.Mutex
	machine    *fsm.FSM
	conn       driver.Connection
	queue      []*waiter
	generation int
	settled    chan struct{}
	lastErr    error
}

// New returns a closed gate that connects with open.
func New(open OpenFunc, logger grip.Journaler) *Gate {
	if logger == nil {
		logger = logging.MakeGrip(grip.GetSender())
	}

	g := &Gate{open: open, logger: logger}
	g.machine = fsm.NewFSM(
		StateClosed,
		fsm.Events{
			{Name: eventOpen, Src: []string{StateClosed}, Dst: StateOpening},
			{Name: eventOpened, Src: []string{StateOpening}, Dst: StateOpen},
			{Name: eventFail, Src: []string{StateOpening}, Dst: StateClosed},
			{Name: eventClose, Src: []string{StateOpen, StateOpening}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				g.logger.Debug(message.Fields{
					"message": "connection state changed",
					"event":   e.Event,
					"from":    e.Src,
					"to":      e.Dst,
				})
			},
		},
	)

	return g
}

// State returns the current connection state.
func (g *Gate) State() string {
	return g.machine.Current()
}

// Open starts a connection attempt if the gate is closed. It does not
// wait for the attempt to finish.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.machine.Current() == StateClosed {
		g.startLocked()
	}
}

// Ready waits for the current connection attempt to settle and reports
// its outcome.
func (g *Gate) Ready(ctx context.Context) error {
	g.mu.Lock()
	state := g.machine.Current()
	settled := g.settled
	g.mu.Unlock()

	switch state {
	case StateOpen:
		return nil
	case StateOpening:
		select {
		case <-settled:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for connection")
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.machine.Current() == StateOpen {
		return nil
	}
	if g.lastErr != nil {
		return g.lastErr
	}
	return ErrClosed
}

// ExecuteWhenOpened returns a lease on the live connection. When the
// gate is closed a connection attempt is started, and when it is not
// yet open the call blocks until this caller's turn in the queue. The
// lease should be released once the caller is done with the connection.
//
// A context derived from a held lease's Context bypasses the queue so
// that work done while holding a lease can issue further operations.
func (g *Gate) ExecuteWhenOpened(ctx context.Context) (*Lease, error) {
	g.mu.Lock()
	if g.conn != nil {
		if l, ok := ctx.Value(leaseKey{gate: g}).(*Lease); ok && !l.released() {
			conn := g.conn
			g.mu.Unlock()
			return newLease(ctx, g, conn), nil
		}
	}

	if w, ok := ctx.Value(reservationKey{gate: g}).(*waiter); ok && !w.claimed {
		w.claimed = true
		g.mu.Unlock()
		return g.await(ctx, w)
	}

	switch g.machine.Current() {
	case StateOpen:
		conn := g.conn
		g.mu.Unlock()
		return newLease(ctx, g, conn), nil
	case StateClosed:
		g.startLocked()
	}

	w := newWaiter(ctx)
	g.queue = append(g.queue, w)
	g.mu.Unlock()

	return g.await(ctx, w)
}

// Reserve takes a place in the queue now for an ExecuteWhenOpened call
// made later with the returned context. Operations that do work before
// asking for the connection use it to keep the order they were issued
// in, up to the point each is handed the connection. The returned func
// gives the place up if it was never claimed and must always be called
// once the operation is done.
func (g *Gate) Reserve(ctx context.Context) (context.Context, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil {
		if l, ok := ctx.Value(leaseKey{gate: g}).(*Lease); ok && !l.released() {
			return ctx, func() {}
		}
	}

	switch g.machine.Current() {
	case StateOpen:
		return ctx, func() {}
	case StateClosed:
		g.startLocked()
	}

	w := newWaiter(ctx)
	g.queue = append(g.queue, w)

	return context.WithValue(ctx, reservationKey{gate: g}, w), w.take
}

func (g *Gate) await(ctx context.Context, w *waiter) (*Lease, error) {
	defer w.take()

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return newLease(ctx, g, w.conn), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for connection")
	}
}

// Close closes the connection. A gate that is opening first waits until
// the operations queued ahead of it have been handed the connection. When force is set the
// driver does not wait for in-flight operations.
func (g *Gate) Close(ctx context.Context, force bool) error {
	g.mu.Lock()
	switch g.machine.Current() {
	case StateClosed:
		g.mu.Unlock()
		return nil
	case StateOpen:
		conn := g.closeLocked(ctx)
		g.mu.Unlock()
		return errors.Wrap(conn.Close(ctx, force), "closing connection")
	}

	w := newWaiter(ctx)
	g.queue = append(g.queue, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		w.take()
		return errors.Wrap(ctx.Err(), "waiting to close connection")
	}
	w.take()

	if w.err != nil {
		// the attempt failed, so there is nothing left to close.
		return nil
	}

	g.mu.Lock()
	if g.conn != w.conn {
		g.mu.Unlock()
		return nil
	}
	conn := g.closeLocked(ctx)
	g.mu.Unlock()

	return errors.Wrap(conn.Close(ctx, force), "closing connection")
}

func (g *Gate) closeLocked(ctx context.Context) driver.Connection {
	conn := g.conn
	g.conn = nil
	g.generation++
	g.lastErr = ErrClosed
	g.event(ctx, eventClose)
	return conn
}

func (g *Gate) startLocked() {
	g.generation++
	g.settled = make(chan struct{})
	g.lastErr = nil
	g.event(context.Background(), eventOpen)

	go g.connect(g.generation, g.settled)
}

func (g *Gate) connect(gen int, settled chan struct{}) {
	conn, err := g.openConnection()

	g.mu.Lock()
	if err != nil {
		waiters := g.queue
		g.queue = nil
		g.lastErr = err
		g.event(context.Background(), eventFail)
		close(settled)
		g.mu.Unlock()

		g.logger.Error(message.WrapError(err, message.Fields{
			"message": "problem opening connection",
			"waiters": len(waiters),
		}))
		for _, w := range waiters {
			w.fail(err)
		}
		return
	}
	g.conn = conn
	g.mu.Unlock()

	for {
		g.mu.Lock()
		if g.generation != gen {
			close(settled)
			if len(g.queue) > 0 && g.machine.Current() == StateClosed {
				g.startLocked()
			}
			g.mu.Unlock()
			return
		}
		if len(g.queue) == 0 {
			g.event(context.Background(), eventOpened)
			close(settled)
			g.mu.Unlock()
			return
		}
		w := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()

		if w.ctx.Err() != nil {
			continue
		}
		w.grant(conn)
		w.wait()
	}
}

func (g *Gate) openConnection() (conn driver.Connection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while opening connection: %v", r)
		}
	}()

	conn, err = g.open(context.Background())
	if err == nil && conn == nil {
		err = errors.New("opener returned no connection")
	}
	return conn, err
}

func (g *Gate) event(ctx context.Context, name string) {
	if err := g.machine.Event(ctx, name); err != nil {
		g.logger.Warning(message.WrapError(err, message.Fields{
			"message": "invalid connection state transition",
			"event":   name,
			"state":   g.machine.Current(),
		}))
	}
}

type reservationKey struct {
	gate *Gate
}

type waiter struct {
	ctx   context.Context
	ready chan struct{}
	taken chan struct{}
	once  sync.Once
	conn  driver.Connection
	err   error

	// set under the gate's lock once a reservation is used
	claimed bool
}

func newWaiter(ctx context.Context) *waiter {
	return &waiter{
		ctx:   ctx,
		ready: make(chan struct{}),
		taken: make(chan struct{}),
	}
}

func (w *waiter) grant(conn driver.Connection) {
	w.conn = conn
	close(w.ready)
}

func (w *waiter) fail(err error) {
	w.err = err
	close(w.ready)
}

// take marks the grant as picked up, or the place as given up.
func (w *waiter) take() {
	w.once.Do(func() { close(w.taken) })
}

// wait blocks until the waiter has picked up its grant.
func (w *waiter) wait() {
	select {
	case <-w.taken:
	case <-w.ctx.Done():
	}
}
