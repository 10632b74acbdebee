package job

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mkprint/internal/printer"
)

// Link is the part of printer.Manager the orchestrator needs. It never sees
// the transport itself.
type Link interface {
	Ensure(ctx context.Context, resume bool) (printer.Device, error)
	Send(ctx context.Context, frame []byte) error
}

// Outcome is the result of one submitted job.
type Outcome struct {
	ID       uuid.UUID
	Kind     Kind
	Device   printer.Device
	Bytes    int // frame size; 0 when nothing was sent
	Duration time.Duration
	Err      error
}

// Orchestrator runs ensure-connected, encode and send for each job. Jobs
// are never retried; a failed send is reported with what was attempted.
type Orchestrator struct {
	link    Link
	encoder Encoder
	resume  bool
	log     *zap.Logger
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithEncoder(e Encoder) Option {
	return func(o *Orchestrator) { o.encoder = e }
}

// WithAutoResume controls whether a job may reconnect to the saved printer
// when no link is live. It is on by default.
func WithAutoResume(on bool) Option {
	return func(o *Orchestrator) { o.resume = on }
}

func NewOrchestrator(link Link, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		link:    link,
		encoder: Encoder{},
		resume:  true,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitAsync runs j on a background goroutine. The channel receives exactly
// one Outcome.
func (o *Orchestrator) SubmitAsync(ctx context.Context, j Job) <-chan Outcome {
	return o.start(ctx, j, &ticket{})
}

// Submit runs j off the calling goroutine and waits for it. If ctx ends
// before transmission starts, Submit returns ctx.Err() and the job is
// dropped without sending. Once transmission has started Submit waits for
// it, so a cancelled result never hides a job that printed.
func (o *Orchestrator) Submit(ctx context.Context, j Job) (Outcome, error) {
	t := &ticket{}
	out := o.start(ctx, j, t)
	select {
	case res := <-out:
		return res, res.Err
	case <-ctx.Done():
		if t.abandon() {
			return Outcome{Kind: j.Kind, Err: ctx.Err()}, ctx.Err()
		}
		res := <-out
		return res, res.Err
	}
}

func (o *Orchestrator) start(ctx context.Context, j Job, t *ticket) <-chan Outcome {
	out := make(chan Outcome, 1)
	id := uuid.New()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		out <- o.run(ctx, id, j, t)
	}()
	return out
}

// ticket settles the race between a job starting to send and its caller
// giving up. Exactly one side wins.
type ticket struct {
	state atomic.Int32
}

const (
	ticketPending int32 = iota
	ticketSending
	ticketAbandoned
)

func (t *ticket) send() bool    { return t.state.CompareAndSwap(ticketPending, ticketSending) }
func (t *ticket) abandon() bool { return t.state.CompareAndSwap(ticketPending, ticketAbandoned) }

// Wait blocks until every submitted job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, id uuid.UUID, j Job, t *ticket) Outcome {
	start := time.Now()
	res := Outcome{ID: id, Kind: j.Kind}
	log := o.log.With(zap.String("job_id", id.String()), zap.Stringer("kind", j.Kind))

	finish := func(err error) Outcome {
		res.Err = err
		res.Duration = time.Since(start)
		if err != nil {
			log.Warn("job failed", zap.Error(err), zap.Duration("duration", res.Duration))
		} else {
			log.Info("job printed", zap.Int("bytes", res.Bytes), zap.Duration("duration", res.Duration))
		}
		return res
	}

	// Encoding is pure, so bad input fails before touching the link.
	frame, err := o.encoder.Encode(j)
	if err != nil {
		return finish(err)
	}

	dev, err := o.link.Ensure(ctx, o.resume)
	if err != nil {
		return finish(err)
	}
	res.Device = dev
	log = log.With(zap.String("address", dev.Address))

	if !t.send() {
		return finish(ctx.Err())
	}
	if err := o.link.Send(ctx, frame); err != nil {
		return finish(err)
	}
	res.Bytes = len(frame)
	return finish(nil)
}
