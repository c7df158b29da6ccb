package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/seedload/internal/ingest"
)

// ErrDispatcherClosed is returned by Submit once Run has returned.
var ErrDispatcherClosed = errors.New("dispatcher is not running")

// Ingester runs one ingestion for one object.
type Ingester interface {
	Ingest(ctx context.Context, ref ingest.ObjectRef) (ingest.Result, error)
}

// Source produces events until its context is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Event) error
}

type DispatcherConfig struct {
	Ingester      Ingester
	MaxConcurrent int // <= 0 means unbounded
	QueueSize     int
	Logger        *slog.Logger
}

// Dispatcher starts one independent ingestion run per object-created event.
// Runs for different objects proceed concurrently and a failure in one run
// does not affect the others.
type Dispatcher struct {
	ingester      Ingester
	maxConcurrent int
	queue         chan Event
	logger        *slog.Logger

	// stopping is closed when Run stops reading the queue; mu and closed
	// ensure no Submit succeeds after the final drain.
	stopping chan struct{}
	mu       sync.RWMutex
	closed   bool
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ingester:      cfg.Ingester,
		maxConcurrent: cfg.MaxConcurrent,
		queue:         make(chan Event, size),
		logger:        logger,
		stopping:      make(chan struct{}),
	}
}

// Submit queues an event for dispatch. It blocks while the queue is full.
// A nil return means the event will be dispatched, even if Run is stopping.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- ev:
		return nil
	case <-d.stopping:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the sources and dispatches their events, and anything passed to
// Submit, until ctx is cancelled. Cancelling ctx stops the sources only:
// in-flight runs and events already queued run to completion before Run
// returns.
func (d *Dispatcher) Run(ctx context.Context, sources ...Source) error {
	runCtx := context.WithoutCancel(ctx)

	srcGroup, srcCtx := errgroup.WithContext(ctx)
	for _, src := range sources {
		srcGroup.Go(func() error {
			d.logger.Info("notification source started", "source", src.Name())
			return src.Run(srcCtx, d.queue)
		})
	}

	var runs errgroup.Group
	if d.maxConcurrent > 0 {
		runs.SetLimit(d.maxConcurrent)
	}
	start := func(ev Event) {
		if !IsObjectCreated(ev.Name) {
			d.logger.Debug("ignoring event", "event", ev.Name, "key", ev.Key, "source", ev.Source)
			return
		}
		runs.Go(func() error {
			d.dispatch(runCtx, ev)
			return nil
		})
	}

loop:
	for {
		select {
		case <-srcCtx.Done():
			break loop
		case ev := <-d.queue:
			start(ev)
		}
	}

	close(d.stopping)
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	srcErr := srcGroup.Wait()

	if n := len(d.queue); n > 0 {
		d.logger.Info("dispatching queued events before stopping", "events", n)
	}
drain:
	for {
		select {
		case ev := <-d.queue:
			start(ev)
		default:
			break drain
		}
	}

	runs.Wait()
	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		return srcErr
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	logger := d.logger.With("bucket", ev.Bucket, "key", ev.Key, "source", ev.Source)
	res, err := d.ingester.Ingest(ctx, ingest.ObjectRef{Bucket: ev.Bucket, Key: ev.Key})
	if err != nil {
		logger.Error("ingestion run failed", "run_id", res.RunID, "error", err)
		return
	}
	logger.Debug("ingestion run done", "run_id", res.RunID, "records", res.Records, "completed", res.Completed)
}
