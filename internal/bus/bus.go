// Package bus delivers liquidation commands and events in process. Messages
// of one operation always land on the same partition and are handled one at
// a time in send order; a failing message is retried in place with
// exponential backoff before the partition moves on.
package bus

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/margin-engine/internal/liquidation"
	"github.com/atmx/margin-engine/internal/metrics"
)

// ErrStopped is returned by Send after Run has returned.
var ErrStopped = errors.New("bus: stopped")

// Handler processes one message. Errors wrapped with backoff.Permanent are
// not retried.
type Handler func(ctx context.Context, msg liquidation.Message) error

// Options tune partitioning and redelivery.
type Options struct {
	Partitions      int
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	Partitions:      16,
	MaxRetries:      10,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Bus is a partitioned message queue. Queues are unbounded so a handler can
// send follow-up messages to its own partition without deadlocking.
type Bus struct {
	handler    Handler
	opts       Options
	partitions []*partition

	mu      sync.Mutex
	stopped bool
}

type partition struct {
	mu    sync.Mutex
	queue []liquidation.Message
	wake  chan struct{}
}

// New creates a bus that delivers every message to handler.
func New(handler Handler, opts Options) *Bus {
	if opts.Partitions <= 0 {
		opts.Partitions = DefaultOptions.Partitions
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultOptions.MaxRetries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultOptions.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultOptions.MaxInterval
	}

	b := &Bus{handler: handler, opts: opts}
	for i := 0; i < opts.Partitions; i++ {
		b.partitions = append(b.partitions, &partition{wake: make(chan struct{}, 1)})
	}
	return b
}

// Send enqueues msgs. It never blocks on handlers.
func (b *Bus) Send(_ context.Context, msgs ...liquidation.Message) error {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	for _, m := range msgs {
		p := b.partitions[b.partitionOf(m.Operation())]
		p.mu.Lock()
		p.queue = append(p.queue, m)
		p.mu.Unlock()
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of queued messages not yet picked up.
func (b *Bus) Pending() int {
	n := 0
	for _, p := range b.partitions {
		p.mu.Lock()
		n += len(p.queue)
		p.mu.Unlock()
	}
	return n
}

func (b *Bus) partitionOf(operationID string) int {
	h := fnv.New32a()
	h.Write([]byte(operationID))
	return int(h.Sum32() % uint32(len(b.partitions)))
}

// Run delivers messages until ctx is cancelled. Messages still queued at
// that point are dropped; the durable upstream redelivers them.
func (b *Bus) Run(ctx context.Context) error {
	slog.Info("bus starting", "partitions", len(b.partitions), "max_retries", b.opts.MaxRetries)

	g, ctx := errgroup.WithContext(ctx)
	for i, p := range b.partitions {
		g.Go(func() error {
			b.work(ctx, i, p)
			return nil
		})
	}
	err := g.Wait()

	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	slog.Info("bus stopped", "dropped", b.Pending())
	return err
}

func (b *Bus) work(ctx context.Context, idx int, p *partition) {
	for {
		m, ok := p.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		b.deliver(ctx, idx, m)
	}
}

func (p *partition) pop() (liquidation.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	m := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return m, true
}

func (b *Bus) deliver(ctx context.Context, idx int, m liquidation.Message) {
	log := slog.With("message", m.Name(), "operation_id", m.Operation(), "partition", idx)

	var (
		attempt   int
		permanent bool
	)
	op := func() error {
		attempt++
		err := b.handler(ctx, m)
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
			return err
		}
		metrics.BusRedeliveries.WithLabelValues(m.Name()).Inc()
		log.Warn("message failed, redelivering", "attempt", attempt, "err", err)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b.backOff(), b.opts.MaxRetries), ctx))
	if err == nil {
		return
	}
	if ctx.Err() != nil && !permanent {
		log.Info("message abandoned on shutdown", "attempts", attempt)
		return
	}
	metrics.BusPoisonMessages.WithLabelValues(m.Name()).Inc()
	log.Error("poison message dropped", "attempts", attempt, "permanent", permanent, "err", err)
}

func (b *Bus) backOff() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.opts.InitialInterval
	exp.MaxInterval = b.opts.MaxInterval
	exp.MaxElapsedTime = 0
	return exp
}
