// Package scanner drives a bounded worker pool over a candidate stream.
// Each worker walks a candidate's port ladder, records verdicts through
// the verifier, and updates shared counters under a single mutex.
package scanner

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tt1a44a/modelnet/internal/probe"
	"github.com/tt1a44a/modelnet/internal/sources"
	"github.com/tt1a44a/modelnet/internal/verifier"
)

// commonPorts are tried for every candidate after its own ports.
var commonPorts = []int{11434, 8000, 8001, 11435, 11436, 3000, 8080, 8888}

// dynamicRanges are the half-open port ranges sampled for promising
// candidates that answered on no ladder port.
var dynamicRanges = [][2]int{{49152, 49252}, {1024, 1124}}

const (
	DefaultWorkers            = 50
	DefaultDynamicPortLimit   = 100
	DefaultDynamicPortTimeout = 60 * time.Second
	DefaultReportInterval     = 10 * time.Second

	// poolHeadroom keeps store connections free for readers while every
	// worker is inside a verdict transaction.
	poolHeadroom = 5

	// drainTimeout bounds how long a terminated run waits for in-flight
	// probes.
	drainTimeout = 10 * time.Second
)

// Options tune one scan run. Zero values take the defaults.
type Options struct {
	Workers            int
	MaxConns           int // store pool size; the worker count stays below it
	Limit              int // stop after this many candidates (0 = unbounded)
	PreserveVerified   bool
	NoDynamicPorts     bool
	DynamicPortLimit   int
	DynamicPortTimeout time.Duration
	ReportInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.DynamicPortLimit <= 0 {
		o.DynamicPortLimit = DefaultDynamicPortLimit
	}
	if o.DynamicPortTimeout <= 0 {
		o.DynamicPortTimeout = DefaultDynamicPortTimeout
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = DefaultReportInterval
	}
	return o
}

// Counters is the shared progress state of a run.
type Counters struct {
	Completed  int
	Valid      int
	Invalid    int
	Errors     int
	Duplicates int
}

// Summary is the final report of a run.
type Summary struct {
	Counters
	Elapsed time.Duration
}

type prober interface {
	Probe(ctx context.Context, ip string, port int) *probe.Result
}

type recorder interface {
	Apply(ctx context.Context, res *probe.Result, scanStatus string, preserve bool) (*verifier.Outcome, error)
}

// Controller owns the worker pool and the run's shared state.
type Controller struct {
	client  prober
	rec     recorder
	signals *Signals
	opts    Options
	runID   string

	mu       sync.Mutex
	counters Counters
	claimed  map[string]bool
	claims   int
	started  time.Time
}

// New builds a controller. The worker count is capped below the store's
// connection pool so verdict transactions can never exhaust it.
func New(client prober, rec recorder, signals *Signals, opts Options) *Controller {
	opts = opts.withDefaults()
	if opts.MaxConns > 0 {
		maxWorkers := opts.MaxConns - poolHeadroom
		if maxWorkers < 1 {
			maxWorkers = 1
		}
		if opts.Workers > maxWorkers {
			log.Warn().Int("requested", opts.Workers).Int("cap", maxWorkers).
				Msg("Worker count exceeds connection pool, reducing")
			opts.Workers = maxWorkers
		}
	}
	return &Controller{
		client:  client,
		rec:     rec,
		signals: signals,
		opts:    opts,
		runID:   uuid.New().String(),
		claimed: make(map[string]bool),
	}
}

// Run consumes candidates until the stream closes, the limit is reached,
// or the run is terminated. In-flight probes always run to completion or
// their own timeout; after a terminate the drain is bounded.
func (c *Controller) Run(ctx context.Context, candidates <-chan sources.Candidate) Summary {
	c.mu.Lock()
	c.started = time.Now()
	c.mu.Unlock()

	log.Info().Str("run_id", c.runID).Int("workers", c.opts.Workers).Int("limit", c.opts.Limit).
		Bool("dynamic_ports", !c.opts.NoDynamicPorts).Msg("Scan starting")

	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, candidates)
		}()
	}

	reporterDone := make(chan struct{})
	go c.reportLoop(reporterDone)

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
	case <-c.signals.Done():
		select {
		case <-workersDone:
		case <-time.After(drainTimeout):
			log.Warn().Dur("drain", drainTimeout).
				Msg("Drain window elapsed, abandoning in-flight workers")
		}
	}
	close(reporterDone)

	c.mu.Lock()
	summary := Summary{Counters: c.counters, Elapsed: time.Since(c.started)}
	c.mu.Unlock()

	log.Info().Str("run_id", c.runID).Int("completed", summary.Completed).Int("valid", summary.Valid).
		Int("invalid", summary.Invalid).Int("errors", summary.Errors).
		Int("duplicates", summary.Duplicates).Str("elapsed", summary.Elapsed.Round(time.Second).String()).
		Msg("Scan finished")
	return summary
}

func (c *Controller) worker(ctx context.Context, candidates <-chan sources.Candidate) {
	for {
		if err := c.signals.WaitReady(ctx); err != nil {
			return
		}
		select {
		case cand, ok := <-candidates:
			if !ok {
				return
			}
			if !c.claim(cand) {
				if c.signals.Terminated() {
					return
				}
				continue
			}
			c.process(ctx, cand)
		case <-c.signals.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// claim registers a candidate before any probe. Fresh scan candidates
// deduplicate on IP across all sources; recheck candidates on (ip, port)
// since one host may have several cataloged endpoints. Reaching the run
// limit latches termination.
func (c *Controller) claim(cand sources.Candidate) bool {
	key := cand.IP
	if cand.Recheck {
		key = fmt.Sprintf("%s:%d", cand.IP, cand.PrimaryPort)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.claimed[key] {
		c.counters.Duplicates++
		GetScanMetrics().RecordCandidate("duplicate")
		return false
	}
	if c.opts.Limit > 0 && c.claims >= c.opts.Limit {
		c.signals.Terminate()
		return false
	}
	c.claimed[key] = true
	c.claims++
	return true
}

func (c *Controller) process(ctx context.Context, cand sources.Candidate) {
	m := GetScanMetrics()
	m.WorkerStarted()
	defer m.WorkerDone()

	found, errs, err := c.walkLadder(ctx, cand)
	if err == nil && !found && cand.Promising && !c.opts.NoDynamicPorts {
		found, err = c.dynamicSweep(ctx, cand, &errs)
	}
	if err != nil {
		// Run ended mid-candidate; nothing terminal to count.
		return
	}

	c.mu.Lock()
	c.counters.Completed++
	switch {
	case found:
		c.counters.Valid++
	case errs > 0:
		c.counters.Errors++
	default:
		c.counters.Invalid++
	}
	limitHit := c.opts.Limit > 0 && c.counters.Completed >= c.opts.Limit
	c.mu.Unlock()

	switch {
	case found:
		m.RecordCandidate("valid")
	case errs > 0:
		m.RecordCandidate("error")
	default:
		m.RecordCandidate("invalid")
	}
	if limitHit {
		c.signals.Terminate()
	}
}

// ladderPorts orders one candidate's ports: primary, its extra ports, then
// the common set, deduplicated. Recheck candidates probe only their
// recorded port.
func ladderPorts(cand sources.Candidate) []int {
	if cand.Recheck {
		return []int{cand.PrimaryPort}
	}
	ports := make([]int, 0, 1+len(cand.AdditionalPorts)+len(commonPorts))
	seen := make(map[int]bool)
	add := func(p int) {
		if p > 0 && p <= 65535 && !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	add(cand.PrimaryPort)
	for _, p := range cand.AdditionalPorts {
		add(p)
	}
	for _, p := range commonPorts {
		add(p)
	}
	return ports
}

func (c *Controller) walkLadder(ctx context.Context, cand sources.Candidate) (bool, int, error) {
	errs := 0
	for _, port := range ladderPorts(cand) {
		if err := c.signals.WaitReady(ctx); err != nil {
			return false, errs, err
		}
		outcome, recorded, err := c.checkPort(ctx, cand, port)
		if err != nil {
			errs++
			continue
		}
		if recorded && outcome.Valid() {
			return true, errs, nil
		}
	}
	return false, errs, nil
}

// checkPort probes one (ip, port). Ladder probes of fresh candidates
// record a verdict only when the port answered with a model-API surface,
// so dead ports and unrelated web servers never enter the catalog.
// Recheck candidates always record.
func (c *Controller) checkPort(ctx context.Context, cand sources.Candidate, port int) (*verifier.Outcome, bool, error) {
	start := time.Now()
	res := c.client.Probe(ctx, cand.IP, port)
	GetScanMetrics().RecordProbe(time.Since(start))

	if !cand.Recheck && !res.HasAPISurface() {
		return nil, false, nil
	}
	outcome, err := c.rec.Apply(ctx, res, verifier.ScanStatusScanned, c.opts.PreserveVerified)
	if err != nil {
		log.Error().Str("endpoint", res.Target()).Err(err).Msg("Recording verdict failed")
		return nil, false, err
	}
	return outcome, true, nil
}

// dynamicSweep samples the dynamic ranges for a promising candidate under
// the per-candidate probe and wall-clock caps. Exhausting the budget is a
// normal miss; only run shutdown aborts the candidate.
func (c *Controller) dynamicSweep(ctx context.Context, cand sources.Candidate, errs *int) (bool, error) {
	ports := sampleDynamicPorts(ladderPorts(cand), c.opts.DynamicPortLimit)
	if len(ports) == 0 {
		return false, nil
	}

	sweepCtx, cancel := context.WithTimeout(ctx, c.opts.DynamicPortTimeout)
	defer cancel()

	log.Debug().Str("ip", cand.IP).Int("ports", len(ports)).
		Dur("budget", c.opts.DynamicPortTimeout).Msg("Sampling dynamic ports")

	for _, port := range ports {
		if err := c.signals.WaitReady(sweepCtx); err != nil {
			if ctx.Err() != nil || c.signals.Terminated() {
				return false, err
			}
			return false, nil
		}
		outcome, recorded, err := c.checkPort(sweepCtx, cand, port)
		if err != nil {
			*errs++
			continue
		}
		if recorded && outcome.Valid() {
			return true, nil
		}
	}
	return false, nil
}

// sampleDynamicPorts shuffles both dynamic ranges together and keeps at
// most limit ports not already tried on the ladder.
func sampleDynamicPorts(tried []int, limit int) []int {
	seen := make(map[int]bool, len(tried))
	for _, p := range tried {
		seen[p] = true
	}
	var pool []int
	for _, r := range dynamicRanges {
		for p := r[0]; p < r[1]; p++ {
			if !seen[p] {
				pool = append(pool, p)
			}
		}
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if limit > 0 && len(pool) > limit {
		pool = pool[:limit]
	}
	return pool
}

func (c *Controller) reportLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.logProgress()
		case <-done:
			return
		}
	}
}

func (c *Controller) logProgress() {
	c.mu.Lock()
	snap := c.counters
	elapsed := time.Since(c.started)
	c.mu.Unlock()

	if snap.Completed == 0 && snap.Duplicates == 0 {
		return
	}
	rate := float64(snap.Completed) / elapsed.Seconds()

	evt := log.Info().
		Str("run_id", c.runID).
		Int("completed", snap.Completed).
		Int("valid", snap.Valid).
		Int("invalid", snap.Invalid).
		Int("errors", snap.Errors).
		Int("duplicates", snap.Duplicates).
		Float64("per_minute", math.Round(rate*600)/10)
	if c.opts.Limit > 0 && rate > 0 {
		if remaining := c.opts.Limit - snap.Completed; remaining > 0 {
			eta := time.Duration(float64(remaining)/rate) * time.Second
			evt = evt.Str("eta", eta.Round(time.Second).String())
		}
	}
	evt.Msg("Scan progress")
}
