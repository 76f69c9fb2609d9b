package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/user/rudelctl/ble"
	"github.com/user/rudelctl/logger"
	"github.com/user/rudelctl/transfer"
)

// Config carries the fleet-level policy knobs.
type Config struct {
	// ScanWindow bounds device discovery.
	ScanWindow time.Duration

	// MaxConnections caps simultaneously open links. BLE adapters
	// cannot hold unbounded connections, and crowding the radio
	// degrades every link's throughput.
	MaxConnections int

	// JobRetries is how many times a job that failed with a transient
	// error class is resubmitted as a brand-new session. Content
	// failures (digest mismatch, retry exhaustion) are never
	// resubmitted.
	JobRetries int

	// RetryBackoff is the delay before the first resubmission; it
	// doubles per attempt.
	RetryBackoff time.Duration

	// AbortOnFailure cancels every in-flight session as soon as one
	// device fails terminally.
	AbortOnFailure bool

	// Session is the per-session protocol policy.
	Session transfer.SessionConfig
}

// DefaultConfig returns conservative fleet defaults.
func DefaultConfig() Config {
	return Config{
		ScanWindow:     5 * time.Second,
		MaxConnections: 3,
		JobRetries:     2,
		RetryBackoff:   500 * time.Millisecond,
		Session:        transfer.DefaultSessionConfig(),
	}
}

// Orchestrator discovers devices, builds one job per device, and runs
// the jobs concurrently under the connection-slot budget.
type Orchestrator struct {
	cfg     Config
	adapter ble.Adapter
}

// New creates an orchestrator over the given adapter.
func New(adapter ble.Adapter, cfg Config) *Orchestrator {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	return &Orchestrator{
		cfg:     cfg,
		adapter: adapter,
	}
}

// Discover runs one scan window and returns matching devices,
// deduplicated by address, in discovery order.
func (o *Orchestrator) Discover(ctx context.Context, filter ble.Filter) ([]ble.DeviceInfo, error) {
	if err := o.adapter.Enable(); err != nil {
		return nil, &transfer.Error{Kind: transfer.FailureAdapterUnavailable, Err: err}
	}

	found, err := o.adapter.Scan(ctx, filter, o.cfg.ScanWindow)
	if err != nil {
		return nil, &transfer.Error{Kind: transfer.FailureAdapterUnavailable, Err: err}
	}

	var devices []ble.DeviceInfo
	seen := make(map[string]bool)
	for device := range found {
		if seen[device.Address] {
			continue
		}
		seen[device.Address] = true
		devices = append(devices, device)
	}
	logger.Info("fleet", "discovered %d device(s)", len(devices))
	return devices, nil
}

// Push transfers the payload to every device matching the filter and
// returns the final per-device outcome. It returns only after every
// job is terminal, including under cancellation.
func (o *Orchestrator) Push(ctx context.Context, filter ble.Filter, payload *transfer.Payload) (Summary, error) {
	devices, err := o.Discover(ctx, filter)
	if err != nil {
		return Summary{}, err
	}
	return o.PushTo(ctx, devices, payload), nil
}

// PushTo runs one job per device. Devices are admitted FIFO in the
// given (discovery) order as connection slots free up.
func (o *Orchestrator) PushTo(ctx context.Context, devices []ble.DeviceInfo, payload *transfer.Payload) Summary {
	agg := NewAggregator()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Outcomes stream to the aggregator as they occur so progress can
	// be reported live.
	results := make(chan Result)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range results {
			if r.Ok() {
				logger.Info("fleet", "%s (%s): complete after %d attempt(s)",
					r.Device.Address, r.Device.Name, r.Attempts)
			} else {
				logger.Warn("fleet", "%s (%s): %s",
					r.Device.Address, r.Device.Name, r.Kind)
				if o.cfg.AbortOnFailure {
					cancel()
				}
			}
			agg.Record(r)
		}
	}()

	// FIFO admission: the queue carries jobs in discovery order and a
	// fixed pool of workers (one per connection slot) drains it, so at
	// most MaxConnections sessions are in the connected phase and the
	// next queued device is admitted the instant a slot frees.
	queue := make(chan *Job, len(devices))
	for _, device := range devices {
		queue <- newJob(device, payload)
	}
	close(queue)

	workers := o.cfg.MaxConnections
	if workers > len(devices) {
		workers = len(devices)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				results <- o.runJob(runCtx, job)
			}
		}()
	}
	wg.Wait()
	close(results)
	<-done

	return agg.Summary()
}

// runJob executes one job to a terminal outcome, resubmitting new
// sessions for transient failures under the retry budget.
func (o *Orchestrator) runJob(ctx context.Context, job *Job) Result {
	start := time.Now()
	backoff := o.cfg.RetryBackoff

	for {
		if ctx.Err() != nil {
			return o.finish(job, start, &transfer.Error{Kind: transfer.FailureCancelled, Err: ctx.Err()})
		}

		job.attempts++
		job.session = transfer.NewSession(o.adapter, job.Device, job.Payload, o.cfg.Session)
		err := job.session.Run(ctx)

		if err == nil {
			return o.finish(job, start, nil)
		}

		kind := transfer.KindOf(err)
		if !kind.Transient() || job.attempts > o.cfg.JobRetries || ctx.Err() != nil {
			return o.finish(job, start, err)
		}

		logger.Debug("fleet", "%s: %s, resubmitting in %v (attempt %d)",
			job.Device.Address, kind, backoff, job.attempts)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return o.finish(job, start, &transfer.Error{Kind: transfer.FailureCancelled, Err: ctx.Err()})
		}
		backoff *= 2
	}
}

func (o *Orchestrator) finish(job *Job, start time.Time, err error) Result {
	return Result{
		JobID:    job.ID,
		Device:   job.Device,
		Kind:     transfer.KindOf(err),
		Err:      err,
		Attempts: job.attempts,
		Duration: time.Since(start),
	}
}
