package audit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/trialvisits/internal/platform/db"
)

type envelope struct {
	deviation  *DeviationEvent
	submission *SubmissionEvent
	access     *AccessEvent
}

// Dispatcher is an asynchronous Recorder. Events are queued and written by a
// single worker; when the queue is full the event is logged and dropped.
type Dispatcher struct {
	sink   Sink
	logger zerolog.Logger
	queue  chan envelope

	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(sink Sink, logger zerolog.Logger, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		sink:   sink,
		logger: logger,
		queue:  make(chan envelope, buffer),
		done:   make(chan struct{}),
	}
}

// Start runs the delivery worker until Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		for env := range d.queue {
			d.deliver(ctx, env)
		}
	}()
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	<-d.done
}

func (d *Dispatcher) Deviation(ctx context.Context, ev DeviationEvent) {
	if ev.TenantID == "" {
		ev.TenantID = db.TenantFromContext(ctx)
	}
	d.enqueue(envelope{deviation: &ev})
}

func (d *Dispatcher) Submission(ctx context.Context, ev SubmissionEvent) {
	if ev.TenantID == "" {
		ev.TenantID = db.TenantFromContext(ctx)
	}
	d.enqueue(envelope{submission: &ev})
}

// Access queues a data access event. Access events come from the HTTP
// middleware, which has already resolved the tenant.
func (d *Dispatcher) Access(ev AccessEvent) {
	d.enqueue(envelope{access: &ev})
}

func (d *Dispatcher) enqueue(env envelope) {
	defer func() {
		// Sending after Close panics; treat it like a full queue.
		if r := recover(); r != nil {
			d.logger.Warn().Msg("audit dispatcher closed, event dropped")
		}
	}()
	select {
	case d.queue <- env:
	default:
		d.logger.Warn().Int("capacity", cap(d.queue)).Msg("audit queue full, event dropped")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env envelope) {
	var err error
	switch {
	case env.deviation != nil:
		err = d.sink.RecordDeviation(ctx, *env.deviation)
	case env.submission != nil:
		err = d.sink.RecordSubmission(ctx, *env.submission)
	case env.access != nil:
		err = d.sink.RecordAccess(ctx, *env.access)
	}
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to record audit event")
	}
}

// Sync is a Recorder that writes inline and only logs failures.
type Sync struct {
	Sink   Sink
	Logger zerolog.Logger
}

func (s Sync) Deviation(ctx context.Context, ev DeviationEvent) {
	if ev.TenantID == "" {
		ev.TenantID = db.TenantFromContext(ctx)
	}
	if err := s.Sink.RecordDeviation(ctx, ev); err != nil {
		s.Logger.Error().Err(err).Msg("failed to record deviation audit event")
	}
}

func (s Sync) Submission(ctx context.Context, ev SubmissionEvent) {
	if ev.TenantID == "" {
		ev.TenantID = db.TenantFromContext(ctx)
	}
	if err := s.Sink.RecordSubmission(ctx, ev); err != nil {
		s.Logger.Error().Err(err).Msg("failed to record submission audit event")
	}
}
