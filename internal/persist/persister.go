// Package persist implements the queue-draining persister: the single
// consumer that pulls poll results off the persist queue and dispatches
// them to the reference store or the time-series store by metric-set
// kind.
package persist

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/xtxerr/archivist/internal/errors"
	"github.com/xtxerr/archivist/internal/logging"
	"github.com/xtxerr/archivist/internal/model"
	"github.com/xtxerr/archivist/internal/queue"
	"github.com/xtxerr/archivist/internal/refstore"
	"github.com/xtxerr/archivist/internal/series"
	"github.com/xtxerr/archivist/internal/tsstore"
)

// Stats holds persister counters.
type Stats struct {
	Processed      atomic.Int64
	ReferencePolls atomic.Int64
	CounterPolls   atomic.Int64
	Skipped        atomic.Int64
	TransientGets  atomic.Int64
}

// Persister drains the persist queue until it is exhausted or the
// context is cancelled. One persister owns the stores' write side.
type Persister struct {
	queue queue.Queue
	refs  *refstore.Store
	ts    *tsstore.Store
	log   *slog.Logger

	stats Stats
}

// New creates a persister over the given queue and stores.
func New(q queue.Queue, refs *refstore.Store, ts *tsstore.Store) *Persister {
	return &Persister{
		queue: q,
		refs:  refs,
		ts:    ts,
		log:   logging.Component("persist"),
	}
}

// Run drains the queue. It returns nil once the queue reports exhaustion
// and the context error on cancellation. Malformed or unwritable records
// are logged and skipped; they never stop the drain.
func (p *Persister) Run(ctx context.Context) error {
	p.log.Info("persister started")

	for {
		pr, err := p.queue.Get(ctx)
		if err != nil {
			switch {
			case errors.IsExhausted(err):
				p.log.Info("queue exhausted, stopping",
					"processed", p.stats.Processed.Load(),
					"skipped", p.stats.Skipped.Load())
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.IsRecordError(err):
				p.stats.Skipped.Add(1)
				p.log.Warn("undecodable queue entry skipped", "error", err)
				continue
			default:
				p.stats.TransientGets.Add(1)
				p.log.Error("queue get failed, retrying", "error", err)
				continue
			}
		}

		// Record-scoped logging carries the run id and device from the
		// context so skipped records are attributable.
		rctx := logging.ContextWithDevice(ctx, pr.Device)
		if err := p.persist(rctx, &pr); err != nil {
			if errors.IsRecordError(err) {
				p.stats.Skipped.Add(1)
				logging.WithContext(rctx).Warn("poll result skipped",
					"metric_set", pr.MetricSet,
					"ts", pr.Timestamp,
					"error", err)
				continue
			}
			return err
		}
		p.stats.Processed.Add(1)
	}
}

// persist routes one poll result by kind.
func (p *Persister) persist(ctx context.Context, pr *model.PollResult) error {
	if err := pr.Validate(); err != nil {
		return err
	}

	switch pr.Kind() {
	case model.KindInterfaceRef, model.KindEndpointRef:
		return p.persistReference(ctx, pr)
	case model.KindCounterSet:
		return p.persistCounters(pr)
	default:
		return errors.Wrapf(errors.ErrUnknownMetricSet, "metric set %q", pr.MetricSet)
	}
}

func (p *Persister) persistReference(ctx context.Context, pr *model.PollResult) error {
	entities, err := pr.ReferenceEntities()
	if err != nil {
		return err
	}

	p.stats.ReferencePolls.Add(1)
	if err := p.refs.Apply(ctx, pr.Device, pr.MetricSet, pr.Timestamp, entities); err != nil {
		return errors.NewWriteFailure(pr.Device, pr.MetricSet, pr.Timestamp, err)
	}
	return nil
}

// persistCounters writes every counter in the poll, isolating per-series
// failures so one bad counter never drops its siblings.
func (p *Persister) persistCounters(pr *model.PollResult) error {
	entries, err := pr.CounterEntries()
	if err != nil {
		return err
	}

	p.stats.CounterPolls.Add(1)
	valid := pr.Valid()

	var errs []error
	for _, e := range entries {
		sample := series.Sample{
			Device:    pr.Device,
			MetricSet: pr.MetricSet,
			Metric:    pr.MetricName,
			SubPath:   e.SubPath,
			Timestamp: pr.Timestamp,
			Value:     e.Value,
			Valid:     valid,
		}
		if err := p.ts.Write(sample); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns the persister counters.
func (p *Persister) Stats() *Stats {
	return &p.stats
}
