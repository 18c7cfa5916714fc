// Package poll runs the background polling loop for each configured job.
// A job fetches all of its assets in one upstream request per cycle and
// publishes the decoded records to a cache the read side consumes.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/cryptoinfo/internal/config"
	"github.com/yourorg/cryptoinfo/internal/health"
	"github.com/yourorg/cryptoinfo/internal/model"
	otelpkg "github.com/yourorg/cryptoinfo/internal/otel"
	"github.com/yourorg/cryptoinfo/internal/ratelimit"
	"github.com/yourorg/cryptoinfo/internal/validation"
)

// Fetcher retrieves market records for a set of asset ids.
type Fetcher interface {
	Markets(ctx context.Context, assetIDs []string, currency string) ([]model.MarketRecord, error)
}

// Job polls one asset group on a fixed interval. Each job registers with the
// shared limiter at creation, which determines its one-time start stagger,
// and unregisters when stopped.
//
// The job's cache is sticky: a failed cycle never clears it, so readers keep
// seeing the last successful cycle's records until fresher ones arrive.
type Job struct {
	name     string
	assets   []string
	currency string
	interval time.Duration

	limiter *ratelimit.Limiter
	fetcher Fetcher
	health  *health.Tracker

	mu    sync.RWMutex
	cache model.ResultSet
	info  model.CycleInfo

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewJob validates cfg and registers the job with the limiter. A validation
// failure returns a *config.ConfigError and leaves the limiter untouched, so
// a broken definition never consumes a stagger slot.
func NewJob(cfg config.JobConfig, limiter *ratelimit.Limiter, fetcher Fetcher, tracker *health.Tracker) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	j := &Job{
		name:     cfg.Name,
		assets:   cfg.AssetList(),
		currency: cfg.Currency,
		interval: cfg.Interval(),
		limiter:  limiter,
		fetcher:  fetcher,
		health:   tracker,
	}

	index := limiter.Register(j.name)
	logrus.WithFields(logrus.Fields{
		"job":      j.name,
		"assets":   len(j.assets),
		"interval": j.interval,
		"stagger":  limiter.StaggerDelay(j.name),
		"index":    index,
	}).Info("Registered polling job")
	return j, nil
}

// Name returns the job's configured name.
func (j *Job) Name() string {
	return j.name
}

// Assets returns the asset ids the job polls, in configuration order.
func (j *Job) Assets() []string {
	return j.assets
}

// Currency returns the fiat currency the job prices in.
func (j *Job) Currency() string {
	return j.currency
}

// Start launches the polling loop. The loop waits out the job's stagger
// delay once, runs its first cycle, then repeats every interval until ctx
// is cancelled or Stop is called.
func (j *Job) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.run(ctx)
}

// Stop cancels the polling loop, waits for the in-flight cycle to finish
// and removes the job from the limiter registry. It always unregisters,
// even when Start was never called.
func (j *Job) Stop() {
	j.stopOnce.Do(func() {
		if j.cancel != nil {
			j.cancel()
		}
		j.wg.Wait()
		j.limiter.Unregister(j.name)
		logrus.WithField("job", j.name).Info("Stopped polling job")
	})
}

// Snapshot returns the current cache. The returned set is never mutated
// after publication; callers may read it without further locking.
func (j *Job) Snapshot() model.ResultSet {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cache
}

// Info returns the outcome of the most recent cycle.
func (j *Job) Info() model.CycleInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.info
}

// Health returns the job's failure tracker state for status reporting.
func (j *Job) Health() health.Status {
	return j.health.Snapshot()
}

func (j *Job) run(ctx context.Context) {
	defer j.wg.Done()

	if delay := j.limiter.StaggerDelay(j.name); delay > 0 {
		logrus.WithFields(logrus.Fields{
			"job":   j.name,
			"delay": delay,
		}).Debug("Waiting stagger delay before first cycle")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	j.cycle(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.cycle(ctx)
		}
	}
}

// cycle performs one fetch-validate-publish round. Any failure leaves the
// previous cache in place.
func (j *Job) cycle(ctx context.Context) {
	log := logrus.WithFields(logrus.Fields{
		"job":   j.name,
		"cycle": uuid.NewString(),
	})

	ctx, span := otelpkg.Tracer().Start(ctx, "poll.cycle", trace.WithAttributes(
		attribute.String("job.name", j.name),
		attribute.Int("job.assets", len(j.assets)),
	))
	defer span.End()

	j.mu.Lock()
	j.info.LastAttempt = time.Now()
	j.mu.Unlock()

	if err := j.limiter.Acquire(ctx); err != nil {
		// Only context cancellation gets us here; the job is shutting down.
		log.Debugf("Cycle aborted while waiting for rate limiter: %v", err)
		return
	}

	records, err := j.fetcher.Markets(ctx, j.assets, j.currency)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		j.health.Failure(err)
		otelpkg.RecordError(span, err)
		log.Errorf("Fetch failed, serving cached values: %v", err)
		return
	}

	valid := validation.FilterInvalid(records)
	set := model.BuildResultSet(valid)

	j.mu.Lock()
	j.cache = set
	j.info.LastSuccess = time.Now()
	j.info.Assets = len(set)
	j.mu.Unlock()

	j.health.Success()
	span.SetAttributes(attribute.Int("cycle.records", len(set)))
	log.Debugf("Cycle complete, cached %d records", len(set))
}
