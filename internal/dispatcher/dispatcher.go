// Package dispatcher composes the range generator, rate limiter, prober
// backends, and storage into one scanning pass, per SPEC_FULL.md §4.5. It
// owns round lifecycle, retry policy, checkpointing, and cooperative
// shutdown.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/portsweep/internal/metrics"
	"github.com/runZeroInc/portsweep/internal/netrange"
	"github.com/runZeroInc/portsweep/internal/probe"
	"github.com/runZeroInc/portsweep/internal/scanlog"
	"github.com/runZeroInc/portsweep/internal/storage"
)

// ErrAlreadyRunning is returned by Start when a round is already active.
var ErrAlreadyRunning = errors.New("dispatcher: a round is already running")

// Config is the subset of a validated config.Config the dispatcher needs
// to begin a round; kept decoupled from the CLI-facing config package so
// dispatcher has no dependency on flag parsing.
type Config struct {
	StartIP         netip.Addr
	EndIP           netip.Addr
	Family          storage.Family
	Ports           []int
	Timeout         time.Duration
	Concurrency     int
	RateLimit       float64
	MaxRetries      int
	CheckpointEvery int
	LoopMode        bool
}

// Status is the status() snapshot shape from §4.5/§6.
type Status struct {
	IsRunning    bool
	ScanID       string
	CurrentRound int64
	Metrics      metrics.Snapshot
}

// RoundSummary is one history() entry.
type RoundSummary struct {
	Round     int64
	StartTime time.Time
	EndTime   time.Time
	Status    string // "completed", "stopped", "failed"
}

// Dispatcher orchestrates one scanning pass at a time over a shared
// Store. It is safe to call Start/Stop/Status/History concurrently from
// multiple goroutines (e.g. the CLI's scan command and an HTTP status
// endpoint sharing one process).
type Dispatcher struct {
	store     *storage.Store
	collector *metrics.Collector
	newProber func(family storage.Family) (probe.Prober, error)
	baseLog   *logrus.Entry

	mu       sync.Mutex
	running  bool
	scanID   string
	round    int64
	stopFlag atomicBool
	doneCh   chan struct{}
}

// New creates a Dispatcher. newProber selects the backend (connect or
// SYN) for a given family; the dispatcher calls it once per Start and
// closes the returned Prober when the last round of that Start ends (in
// loop mode, when the loop exits), per the "dynamic
// dispatch over prober backends" design note (§9): one capability behind
// a plain interface, chosen by the caller rather than hardcoded here.
func New(store *storage.Store, collector *metrics.Collector, baseLog *logrus.Entry, newProber func(family storage.Family) (probe.Prober, error)) *Dispatcher {
	if baseLog == nil {
		baseLog = scanlog.New(false)
	}
	return &Dispatcher{store: store, collector: collector, newProber: newProber, baseLog: baseLog}
}

// Start begins a new round numbered one past current_round; it does not
// resume from the stored last_address checkpoint. Any round with no
// terminal status at Start time (e.g. left behind by a crash) is
// finalized as "stopped" before the new round begins (§9 Open Question on
// crash recovery). Returns ErrAlreadyRunning if a round is already in
// progress.
func (d *Dispatcher) Start(ctx context.Context, cfg Config) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.scanID = xid.New().String()
	d.stopFlag.store(false)
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	log := scanlog.WithScan(d.baseLog, d.scanID)

	if err := d.finalizeOrphanedRound(ctx, log); err != nil {
		log.WithError(err).Warn("failed to finalize orphaned round")
	}

	round, checkpoint, err := d.beginRound(ctx, log)
	if err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		close(d.doneCh)
		return err
	}
	d.mu.Lock()
	d.round = round
	d.mu.Unlock()
	log = scanlog.WithRound(log, round)

	prober, err := d.newProber(cfg.Family)
	if err != nil {
		_ = d.finalizeRound(ctx, round, "failed")
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		close(d.doneCh)
		return err
	}

	go d.drive(ctx, cfg, round, checkpoint, prober, log)
	return nil
}

// drive runs one round, and in loop-mode (§4.5's "loop-mode scheduling")
// keeps starting fresh rounds back-to-back over the same address/port
// product as long as each prior round completed normally and Stop()
// hasn't been called, closing the shared prober only when the loop
// actually exits.
func (d *Dispatcher) drive(ctx context.Context, cfg Config, round int64, checkpoint *netrange.Checkpoint, prober probe.Prober, log *logrus.Entry) {
	defer close(d.doneCh)
	defer func() {
		_ = prober.Close()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	for {
		status := d.runRound(ctx, cfg, round, checkpoint, prober, log)
		if !cfg.LoopMode || status != "completed" || d.stopFlag.load() {
			return
		}

		next, _, err := d.beginRound(ctx, log)
		if err != nil {
			log.WithError(err).Error("failed to begin next loop-mode round")
			return
		}
		round = next
		checkpoint = nil
		log = scanlog.WithRound(scanlog.WithScan(d.baseLog, d.scanID), round)
		d.mu.Lock()
		d.round = round
		d.mu.Unlock()
	}
}

// Stop requests cooperative shutdown: the generator stops emitting, and
// in-flight probes are allowed to finish within their timeout before the
// round is finalized as "stopped". Stop blocks until the round has fully
// finalized.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	running := d.running
	done := d.doneCh
	d.mu.Unlock()
	if !running {
		return
	}
	d.stopFlag.store(true)
	<-done
}

// Status returns a point-in-time snapshot, per §4.5.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	var snap metrics.Snapshot
	if d.collector != nil {
		snap = d.collector.Snapshot()
	}
	return Status{IsRunning: d.running, ScanID: d.scanID, CurrentRound: d.round, Metrics: snap}
}

// History lists completed rounds in reverse chronological order, per
// §4.5's history() operation.
func (d *Dispatcher) History(ctx context.Context) ([]RoundSummary, error) {
	current, ok, err := d.store.GetMetadata(ctx, "current_round")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var maxRound int64
	if _, err := fmt.Sscanf(current, "%d", &maxRound); err != nil {
		return nil, fmt.Errorf("dispatcher: parse current_round: %w", err)
	}

	var out []RoundSummary
	for r := maxRound; r >= 1; r-- {
		summary, ok, err := d.loadRoundSummary(ctx, r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, summary)
		}
	}
	return out, nil
}

func (d *Dispatcher) loadRoundSummary(ctx context.Context, round int64) (RoundSummary, bool, error) {
	startStr, ok, err := d.store.GetMetadata(ctx, fmt.Sprintf("round:%d:start_time", round))
	if err != nil || !ok {
		return RoundSummary{}, false, err
	}
	endStr, _, err := d.store.GetMetadata(ctx, fmt.Sprintf("round:%d:end_time", round))
	if err != nil {
		return RoundSummary{}, false, err
	}
	statusStr, _, err := d.store.GetMetadata(ctx, fmt.Sprintf("round:%d:status", round))
	if err != nil {
		return RoundSummary{}, false, err
	}

	start, _ := time.Parse(time.RFC3339, startStr)
	end, _ := time.Parse(time.RFC3339, endStr)
	if statusStr == "" {
		statusStr = "stopped"
	}
	return RoundSummary{Round: round, StartTime: start, EndTime: end, Status: statusStr}, true, nil
}

// finalizeOrphanedRound resurfaces a round whose process crashed between
// stop and finalization (§9's third Open Question): if current_round has
// no end_time/status metadata, it is stamped "stopped" best-effort.
func (d *Dispatcher) finalizeOrphanedRound(ctx context.Context, log *logrus.Entry) error {
	current, ok, err := d.store.GetMetadata(ctx, "current_round")
	if err != nil || !ok {
		return err
	}
	var round int64
	if _, err := fmt.Sscanf(current, "%d", &round); err != nil {
		return nil
	}
	_, hasStatus, err := d.store.GetMetadata(ctx, fmt.Sprintf("round:%d:status", round))
	if err != nil {
		return err
	}
	if hasStatus {
		return nil
	}
	log.WithField("round", round).Warn("finalizing orphaned round as stopped")
	return d.finalizeRound(ctx, round, "stopped")
}

func (d *Dispatcher) beginRound(ctx context.Context, log *logrus.Entry) (round int64, checkpoint *netrange.Checkpoint, err error) {
	current, ok, err := d.store.GetMetadata(ctx, "current_round")
	if err != nil {
		return 0, nil, err
	}
	var prevRound int64
	if ok {
		fmt.Sscanf(current, "%d", &prevRound)
	}
	round = prevRound + 1

	if err := d.store.SetMetadata(ctx, "current_round", fmt.Sprintf("%d", round)); err != nil {
		return 0, nil, err
	}
	if err := d.store.SetMetadata(ctx, fmt.Sprintf("round:%d:start_time", round), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return 0, nil, err
	}
	log.WithField("round", round).Info("round started")
	return round, nil, nil
}

func (d *Dispatcher) finalizeRound(ctx context.Context, round int64, status string) error {
	if err := d.store.SetMetadata(ctx, fmt.Sprintf("round:%d:end_time", round), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return d.store.SetMetadata(ctx, fmt.Sprintf("round:%d:status", round), status)
}

// runRound executes the pipeline steps of §4.5 for one round: rate
// limiter, semaphore, probe task, retry, checkpoint, until the generator
// is exhausted or Stop() is called. It returns the round's terminal
// status ("completed", "stopped", or "failed").
func (d *Dispatcher) runRound(ctx context.Context, cfg Config, round int64, checkpoint *netrange.Checkpoint, prober probe.Prober, log *logrus.Entry) string {
	limiter := newRateLimiterFromConfig(cfg)
	defer limiter.Close()

	gen, err := netrange.New(cfg.StartIP, cfg.EndIP, cfg.Ports, checkpoint)
	if err != nil {
		log.WithError(err).Error("invalid range at round start")
		_ = d.finalizeRound(ctx, round, "failed")
		return "failed"
	}

	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup

	status := "completed"
	addrsSinceCheckpoint := 0
	var lastAddr netip.Addr
	storageFailures := 0

runLoop:
	for {
		if d.stopFlag.load() {
			status = "stopped"
			break
		}

		target, ok, err := gen.Next(ctx)
		if err != nil {
			status = "stopped"
			break
		}
		if !ok {
			break
		}

		if err := limiter.Wait(ctx); err != nil {
			status = "stopped"
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			status = "stopped"
			break runLoop
		}

		if d.collector != nil {
			d.collector.IncSent()
		}

		wg.Add(1)
		go func(t netrange.Target) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("probe task panicked")
					if d.collector != nil {
						d.collector.IncErrored()
					}
				}
			}()
			d.runProbe(ctx, cfg, prober, round, t, log)
		}(target)

		if target.Addr != lastAddr {
			lastAddr = target.Addr
			addrsSinceCheckpoint++
		}
		if addrsSinceCheckpoint >= cfg.CheckpointEvery {
			if cp, ok := gen.Checkpoint(); ok {
				if err := d.store.SetMetadata(ctx, "last_address", cp.Addr.String()); err != nil {
					storageFailures++
					if storageFailures > 5 {
						status = "failed"
						break
					}
				} else {
					storageFailures = 0
				}
			}
			addrsSinceCheckpoint = 0
		}
	}

	wg.Wait()
	if err := d.store.Flush(ctx); err != nil {
		log.WithError(err).Error("final flush failed")
		status = "failed"
	}
	if err := d.finalizeRound(ctx, round, status); err != nil {
		log.WithError(err).Error("failed to finalize round")
	}
	log.WithField("status", status).Info("round finished")
	return status
}

// runProbe executes one (address, port) probe with retry+backoff, per
// §4.5 pipeline step 3 and §7 tier-2 error handling.
func (d *Dispatcher) runProbe(ctx context.Context, cfg Config, prober probe.Prober, round int64, target netrange.Target, log *logrus.Entry) {
	var outcome probe.Outcome
	var err error

	backoff := 10 * time.Millisecond
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		outcome, err = prober.Probe(ctx, target.Addr, target.Port, cfg.Timeout)
		if err == nil {
			break
		}
		var perr *probe.ProbeError
		if errors.As(err, &perr) && perr.Terminal {
			break
		}
		if attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	if err != nil {
		// exhausted retries: classify as Filtered per §7 tier-2 policy.
		outcome = probe.Filtered
		log.WithError(err).WithField("addr", target.Addr).WithField("port", target.Port).Debug("probe retries exhausted")
	}

	if d.collector != nil {
		d.collector.IncOutcome(outcome == probe.Open, outcome == probe.Closed, outcome == probe.Filtered)
	}

	if outcome != probe.Open {
		return
	}

	if werr := d.store.RecordOpen(ctx, cfg.Family, target.Addr, target.Port, round); werr != nil {
		log.WithError(werr).WithField("addr", target.Addr).WithField("port", target.Port).Error("storage write failed")
	}
}

// jitter adds up to 50% random jitter to a backoff duration, the same
// pacing-jitter shape fbtracert applies to its own send timing, reused
// here for retry backoff instead.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
