package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tt1a44a/modelnet/internal/bench"
	"github.com/tt1a44a/modelnet/internal/dispatch"
	"github.com/tt1a44a/modelnet/internal/probe"
)

var benchOpts struct {
	rounds    int
	maxTokens int
	maxWidth  int
	verbose   bool
}

var benchCmd = &cobra.Command{
	Use:   "bench <model>",
	Short: "Benchmark an endpoint hosting a model",
	Long: `Resolves the model selector like chat does, then measures sequential
throughput, first-token latency, context-length scaling, and concurrency
headroom. The result is stored with the endpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&benchOpts.rounds, "rounds", bench.DefaultRounds, "sequential generate rounds")
	f.IntVar(&benchOpts.maxTokens, "max-tokens", bench.DefaultMaxTokens, "token cap per round")
	f.IntVar(&benchOpts.maxWidth, "max-width", bench.DefaultMaxWidth, "concurrency ceiling")
	f.BoolVarP(&benchOpts.verbose, "verbose", "v", false, "debug logging")
}

func runBench(cmd *cobra.Command, args []string) error {
	_, store, err := setup("bench", benchOpts.verbose)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	resolved, err := dispatch.New(store).Resolve(ctx, args[0])
	if err != nil {
		return err
	}

	parameterSize := ""
	if model, err := store.ModelByID(ctx, resolved.ModelID); err == nil && model.ParameterSize != nil {
		parameterSize = *model.ParameterSize
	}

	runner := bench.New(store, probe.NewClient(probe.Config{}), bench.Options{
		Rounds:    benchOpts.rounds,
		MaxTokens: benchOpts.maxTokens,
		MaxWidth:  benchOpts.maxWidth,
	})
	report, err := runner.Run(ctx, bench.Target{
		EndpointID:    resolved.EndpointID,
		ModelID:       resolved.ModelID,
		Model:         resolved.ModelName,
		IP:            resolved.IP,
		Port:          resolved.Port,
		ParameterSize: parameterSize,
	})
	if err != nil {
		return err
	}

	printBenchReport(report)
	return nil
}

func printBenchReport(r *bench.Report) {
	fmt.Printf("Benchmark #%d: %s @ %s (%s)\n",
		r.BenchmarkID, r.Target.Model, r.Target.Address(), r.Elapsed.Round(time.Second))
	fmt.Printf("  rounds:         %d/%d succeeded\n", r.Successes, r.Rounds)
	fmt.Printf("  mean response:  %.2fs\n", r.AvgResponseTime)
	if r.TokensPerSecond > 0 {
		fmt.Printf("  throughput:     %.1f tok/s\n", r.TokensPerSecond)
	}
	if r.FirstTokenLatency > 0 {
		fmt.Printf("  first token:    %.2fs\n", r.FirstTokenLatency)
	}
	if r.Context500TPS > 0 || r.Context1000TPS > 0 || r.Context2000TPS > 0 {
		fmt.Printf("  context tok/s:  500=%.1f 1000=%.1f 2000=%.1f\n",
			r.Context500TPS, r.Context1000TPS, r.Context2000TPS)
	}
	if r.MaxConcurrent > 0 {
		fmt.Printf("  concurrency:    %d parallel (%.0f%% success, %.2fs mean)\n",
			r.MaxConcurrent, r.ConcurrencyRate*100, r.ConcurrencyAvg)
	}
}
