package quince

import (
	"context"
	"sync"

	"github.com/evergreen-ci/quince/driver"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// stream delivers a cursor's documents to a visitor one at a time. The
// visitor can pause delivery, resume it and close the stream through
// the StreamControl it is handed with every document.
//
// A close that races with delivery may let one more document through;
// there is no way to take back a document the cursor already returned.
// Closing the stream closes the cursor at once unless a read from it is
// in flight, in which case the cursor is closed when that read returns.
type stream struct {
	cur       driver.Cursor
	each      EachFunc
	logger    grip.Journaler
	closeOnce sync.Once

	mu     sync.Mutex
	paused int
	closed bool
	// set while run is reading from the cursor
	reading bool
	wake    chan struct{}
}

func newStream(cur driver.Cursor, each EachFunc, logger grip.Journaler) *stream {
	return &stream{
		cur:    cur,
		each:   each,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Pause holds delivery until a matching Resume.
func (s *stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused++
}

// Resume undoes one Pause.
func (s *stream) Resume() {
	s.mu.Lock()
	if s.paused > 0 {
		s.paused--
	}
	s.mu.Unlock()

	s.signal()
}

// Close stops delivery. Documents not yet delivered are dropped.
func (s *stream) Close() {
	s.mu.Lock()
	s.closed = true
	idle := !s.reading
	s.mu.Unlock()

	if idle {
		s.closeCursor()
	}
	s.signal()
}

func (s *stream) closeCursor() {
	s.closeOnce.Do(func() {
		if err := s.cur.Close(context.Background()); err != nil {
			s.logger.Warning(message.WrapError(err, message.Fields{
				"message": "problem closing cursor after stream",
			}))
		}
	})
}

func (s *stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// startRead marks the cursor as in use, unless the stream was closed.
func (s *stream) startRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.reading = true
	return true
}

func (s *stream) endRead() {
	s.mu.Lock()
	s.reading = false
	s.mu.Unlock()
}

// next reads the following document. It reports false once the cursor
// is exhausted.
func (s *stream) next(ctx context.Context) (bson.M, bool, error) {
	if !s.startRead() {
		return nil, false, nil
	}
	defer s.endRead()

	if !s.cur.Next(ctx) {
		return nil, false, errors.Wrap(s.cur.Err(), "iterating cursor")
	}

	var doc bson.M
	if err := s.cur.Decode(&doc); err != nil {
		return nil, false, errors.Wrap(err, "decoding streamed document")
	}
	return doc, true, nil
}

// waitWhilePaused blocks until nothing holds the stream paused or it
// has been closed.
func (s *stream) waitWhilePaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		ready := s.paused == 0 || s.closed
		s.mu.Unlock()
		if ready {
			return nil
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for paused stream")
		}
	}
}

// run delivers documents until the cursor is exhausted or the stream is
// closed. It returns only once no pause is outstanding, so the
// operation does not finish while the visitor is still working.
func (s *stream) run(ctx context.Context) error {
	defer s.closeCursor()

	for {
		if err := s.waitWhilePaused(ctx); err != nil {
			return err
		}
		doc, ok, err := s.next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if s.isClosed() {
			return nil
		}
		s.each(doc, s)
	}

	return s.waitWhilePaused(ctx)
}
