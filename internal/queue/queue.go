// Package queue serializes transcription requests onto the single loaded
// model. Entries run strictly in arrival order with no overlap.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ambiware-labs/murmur/internal/catalog"
	"github.com/ambiware-labs/murmur/internal/whisper"
)

// ErrClosed is returned for enqueues after shutdown.
var ErrClosed = errors.New("transcription queue closed")

// Request is one unit of work.
type Request struct {
	Variant catalog.Variant
	Samples []float32
	OnStage whisper.StageFunc
}

// ProcessFunc executes one request; in practice lifecycle.Manager.Infer.
type ProcessFunc func(ctx context.Context, req Request) (string, error)

type entry struct {
	req  Request
	text string
	err  error
	done chan struct{}
}

type Queue struct {
	process ProcessFunc
	log     *slog.Logger

	mu         sync.Mutex
	entries    []*entry
	processing bool
	closed     bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(parent context.Context, process ProcessFunc, log *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		process: process,
		log:     log.With(slog.String("component", "queue")),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue appends a request and blocks until it settles. If the caller's
// context expires first the entry still runs to completion internally; an
// in-flight native inference cannot be interrupted.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	e := &entry{req: req, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-e.done:
		return e.text, e.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len reports how many requests are waiting (excluding the one in flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsProcessing reports whether a request is currently running.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Close drains nothing: waiting entries settle with ErrClosed, the in-flight
// entry finishes, then the worker exits.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.failPending()
	q.cancel()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		// Cancellation wins over further work: settle whatever is
		// waiting so no entry hangs until Close.
		select {
		case <-q.ctx.Done():
			q.failPending()
			return
		default:
		}

		e := q.pop()
		if e == nil {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				q.failPending()
				return
			}
		}

		// The queue's own context drives processing so an abandoned
		// caller does not cancel work already committed to the engine.
		text, err := q.process(q.ctx, e.req)
		e.text = text
		e.err = err
		if err != nil {
			q.log.Warn("transcription request failed",
				slog.String("variant", string(e.req.Variant)),
				slog.String("error", err.Error()))
		}

		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
		close(e.done)
	}
}

// failPending takes ownership of all waiting entries and settles them with
// ErrClosed. Both the worker and Close call it; the mutex hand-off ensures
// each entry settles exactly once.
func (q *Queue) failPending() {
	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range pending {
		e.err = ErrClosed
		close(e.done)
	}
}

func (q *Queue) pop() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	q.processing = true
	return e
}
