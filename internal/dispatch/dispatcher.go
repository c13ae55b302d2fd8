package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"example.com/moderationbridge/internal/broadcast"
	"example.com/moderationbridge/internal/domain"
	"example.com/moderationbridge/internal/metrics"
)

// Broadcaster is the subset of broadcast.Broadcaster the dispatcher needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, a domain.ModerationAction) (broadcast.Report, error)
}

// Dispatcher decouples the change detector from outbound delivery with
// a bounded queue drained by a fixed set of workers.
type Dispatcher struct {
	queue       chan domain.ModerationAction
	broadcaster Broadcaster
	workers     int
	log         *zap.Logger
	wg          sync.WaitGroup
}

func New(b Broadcaster, queueMaxSize, workers int, log *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		queue:       make(chan domain.ModerationAction, queueMaxSize),
		broadcaster: b,
		workers:     workers,
		log:         log.Named("dispatch"),
	}
}

// Start launches the workers. On ctx cancellation each worker drains
// whatever is already queued before exiting; Wait blocks until then.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					d.drain(ctx)
					return
				case a := <-d.queue:
					d.send(ctx, a)
				}
			}
		}()
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case a := <-d.queue:
			d.send(ctx, a)
		default:
			return
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, a domain.ModerationAction) {
	if _, err := d.broadcaster.Broadcast(ctx, a); err != nil {
		d.log.Error("broadcast failed", zap.String("id", a.ID), zap.Error(err))
	}
}

// Enqueue hands an action to the workers without blocking. It reports
// false when the queue is full and the action was dropped.
func (d *Dispatcher) Enqueue(a domain.ModerationAction) bool {
	select {
	case d.queue <- a:
		return true
	default:
		metrics.DispatchDroppedTotal.Inc()
		d.log.Warn("dispatch queue full, dropping action",
			zap.String("id", a.ID),
			zap.String("content_type", string(a.ContentType)),
		)
		return false
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }
