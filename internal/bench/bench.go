// Package bench measures a live endpoint hosting a model: sequential
// generation throughput, first-token latency, context-length scaling, and
// concurrency headroom. Results append one benchmark_results row.
// Verification state is never touched; a slow endpoint is still a valid one.
package bench

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tt1a44a/modelnet/internal/catalog"
	"github.com/tt1a44a/modelnet/internal/probe"
)

const (
	DefaultRounds    = 5
	DefaultMaxTokens = 100
	DefaultMaxWidth  = 16

	// DefaultPrompt keeps rounds comparable across endpoints.
	DefaultPrompt = "Write a short paragraph about the history of computing."

	// concurrencyFloor is the success rate a width must reach to count.
	concurrencyFloor = 0.5
)

var contextSizes = []int{500, 1000, 2000}

// Target names the (endpoint, model) pair under test. ParameterSize, when
// known, sizes the per-request budget.
type Target struct {
	EndpointID    int64
	ModelID       int64
	Model         string
	IP            string
	Port          int
	ParameterSize string
}

// Options tunes one benchmark run.
type Options struct {
	Rounds    int
	MaxTokens int
	MaxWidth  int
	Prompt    string
}

func (o Options) withDefaults() Options {
	if o.Rounds <= 0 {
		o.Rounds = DefaultRounds
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.MaxWidth <= 0 {
		o.MaxWidth = DefaultMaxWidth
	}
	if o.Prompt == "" {
		o.Prompt = DefaultPrompt
	}
	return o
}

// Report is one completed benchmark. Times are seconds; zero means the
// measurement did not complete.
type Report struct {
	Target            Target
	Rounds            int
	Successes         int
	SuccessRate       float64
	AvgResponseTime   float64
	TokensPerSecond   float64
	FirstTokenLatency float64
	ThroughputTokens  float64
	ThroughputTime    float64
	Context500TPS     float64
	Context1000TPS    float64
	Context2000TPS    float64
	MaxConcurrent     int
	ConcurrencyRate   float64
	ConcurrencyAvg    float64
	BenchmarkID       int64
	Elapsed           time.Duration
}

type generator interface {
	Generate(ctx context.Context, ip string, port int, model string, opts probe.GenerateOptions) (*probe.GenerateResult, error)
	MeasureFirstToken(ctx context.Context, ip string, port int, model string) (float64, error)
}

// Runner drives benchmark runs and persists their rows.
type Runner struct {
	store *catalog.Store
	gen   generator
	opts  Options
}

func New(store *catalog.Store, gen generator, opts Options) *Runner {
	return &Runner{store: store, gen: gen, opts: opts.withDefaults()}
}

// Run benchmarks the target and appends the result row. It fails only when
// no sequential round succeeds or the row cannot be written; individual
// phase failures degrade to unmeasured fields.
func (r *Runner) Run(ctx context.Context, target Target) (*Report, error) {
	started := time.Now()
	report := &Report{Target: target, Rounds: r.opts.Rounds}

	log.Info().Str("model", target.Model).Str("endpoint", target.Address()).
		Int("rounds", r.opts.Rounds).Msg("Benchmark starting")

	if err := r.sequentialRounds(ctx, target, report); err != nil {
		return nil, err
	}

	if latency, err := r.gen.MeasureFirstToken(ctx, target.IP, target.Port, target.Model); err == nil {
		report.FirstTokenLatency = latency
	} else {
		log.Debug().Str("endpoint", target.Address()).Err(err).Msg("First-token measurement failed")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.contextRounds(ctx, target, report)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.concurrencyProbe(ctx, target, report)

	report.Elapsed = time.Since(started)
	if err := r.persist(ctx, report); err != nil {
		return nil, err
	}

	log.Info().Str("model", target.Model).Str("endpoint", target.Address()).
		Float64("tokens_per_second", report.TokensPerSecond).
		Int("max_concurrent", report.MaxConcurrent).
		Int64("benchmark_id", report.BenchmarkID).
		Dur("elapsed", report.Elapsed.Round(time.Millisecond)).
		Msg("Benchmark finished")
	return report, nil
}

func (t *Target) Address() string {
	return net.JoinHostPort(t.IP, strconv.Itoa(t.Port))
}

func (r *Runner) sequentialRounds(ctx context.Context, target Target, report *Report) error {
	timeout := probe.AdaptiveTimeout(target.ParameterSize, len(r.opts.Prompt), r.opts.MaxTokens)

	var (
		wallTotal  time.Duration
		evalTokens int64
		evalNS     int64
		lastErr    error
	)
	for i := 0; i < r.opts.Rounds; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.gen.Generate(ctx, target.IP, target.Port, target.Model, probe.GenerateOptions{
			Prompt:    r.opts.Prompt,
			MaxTokens: r.opts.MaxTokens,
			Timeout:   timeout,
		})
		if err != nil {
			lastErr = err
			log.Debug().Str("endpoint", target.Address()).Int("round", i+1).Err(err).Msg("Benchmark round failed")
			continue
		}
		report.Successes++
		wallTotal += res.Elapsed
		evalTokens += res.EvalCount
		evalNS += res.EvalDurationNS
	}

	if report.Successes == 0 {
		return fmt.Errorf("all %d benchmark rounds failed: %w", r.opts.Rounds, lastErr)
	}

	report.SuccessRate = float64(report.Successes) / float64(r.opts.Rounds)
	report.AvgResponseTime = wallTotal.Seconds() / float64(report.Successes)
	report.ThroughputTokens = float64(evalTokens)
	report.ThroughputTime = float64(evalNS) / 1e9
	if evalNS > 0 {
		report.TokensPerSecond = float64(evalTokens) / (float64(evalNS) / 1e9)
	}
	return nil
}

// contextRounds measures throughput against growing prompts. Each size is
// one round; a failed round leaves its field unmeasured.
func (r *Runner) contextRounds(ctx context.Context, target Target, report *Report) {
	dsts := []*float64{&report.Context500TPS, &report.Context1000TPS, &report.Context2000TPS}
	for i, size := range contextSizes {
		prompt := syntheticPrompt(size)
		res, err := r.gen.Generate(ctx, target.IP, target.Port, target.Model, probe.GenerateOptions{
			Prompt:    prompt,
			MaxTokens: r.opts.MaxTokens,
			Timeout:   probe.AdaptiveTimeout(target.ParameterSize, len(prompt), r.opts.MaxTokens),
		})
		if err != nil {
			log.Debug().Str("endpoint", target.Address()).Int("context_tokens", size).Err(err).
				Msg("Context round failed")
			continue
		}
		if res.EvalDurationNS > 0 {
			*dsts[i] = float64(res.EvalCount) / (float64(res.EvalDurationNS) / 1e9)
		}
	}
}

// concurrencyProbe doubles the request width until a level drops below the
// success floor, recording the widest level that held.
func (r *Runner) concurrencyProbe(ctx context.Context, target Target, report *Report) {
	timeout := probe.AdaptiveTimeout(target.ParameterSize, len(r.opts.Prompt), r.opts.MaxTokens)

	for width := 1; width <= r.opts.MaxWidth; width *= 2 {
		successes, total := r.burst(ctx, target, width, timeout)
		rate := float64(successes) / float64(width)
		log.Debug().Str("endpoint", target.Address()).Int("width", width).
			Int("successes", successes).Msg("Concurrency level probed")
		if rate < concurrencyFloor {
			break
		}
		report.MaxConcurrent = width
		report.ConcurrencyRate = rate
		report.ConcurrencyAvg = total.Seconds() / float64(successes)
	}
}

// burst fires width generates at once and reports how many succeeded and
// their combined wall time.
func (r *Runner) burst(ctx context.Context, target Target, width int, timeout time.Duration) (int, time.Duration) {
	var (
		mu        sync.Mutex
		successes int
		total     time.Duration
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < width; i++ {
		g.Go(func() error {
			res, err := r.gen.Generate(gctx, target.IP, target.Port, target.Model, probe.GenerateOptions{
				Prompt:    r.opts.Prompt,
				MaxTokens: r.opts.MaxTokens,
				Timeout:   timeout,
			})
			if err != nil {
				return nil
			}
			mu.Lock()
			successes++
			total += res.Elapsed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return successes, total
}

func (r *Runner) persist(ctx context.Context, report *Report) error {
	row := &catalog.BenchmarkResult{
		EndpointID:             report.Target.EndpointID,
		TestDate:               time.Now().UTC(),
		AvgResponseTime:        &report.AvgResponseTime,
		TokensPerSecond:        nz(report.TokensPerSecond),
		FirstTokenLatency:      nz(report.FirstTokenLatency),
		ThroughputTokens:       nz(report.ThroughputTokens),
		ThroughputTime:         nz(report.ThroughputTime),
		Context500TPS:          nz(report.Context500TPS),
		Context1000TPS:         nz(report.Context1000TPS),
		Context2000TPS:         nz(report.Context2000TPS),
		ConcurrencySuccessRate: nz(report.ConcurrencyRate),
		ConcurrencyAvgTime:     nz(report.ConcurrencyAvg),
		SuccessRate:            &report.SuccessRate,
	}
	if report.Target.ModelID > 0 {
		row.ModelID = &report.Target.ModelID
	}
	if report.MaxConcurrent > 0 {
		w := int64(report.MaxConcurrent)
		row.MaxConcurrentRequests = &w
	}

	id, err := r.store.InsertBenchmark(ctx, row)
	if err != nil {
		return err
	}
	report.BenchmarkID = id
	return nil
}

// nz maps an unmeasured zero to NULL.
func nz(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

// syntheticPrompt approximates n tokens of prose; short common words
// tokenize near one token apiece.
func syntheticPrompt(tokens int) string {
	const filler = "The quick brown fox jumps over the lazy dog and runs far away. "
	repeats := tokens/13 + 1
	return strings.TrimSpace(strings.Repeat(filler, repeats))
}
