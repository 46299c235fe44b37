package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tt1a44a/modelnet/internal/catalog"
	"github.com/tt1a44a/modelnet/internal/config"
	"github.com/tt1a44a/modelnet/internal/probe"
	"github.com/tt1a44a/modelnet/internal/query"
	"github.com/tt1a44a/modelnet/internal/scanner"
	"github.com/tt1a44a/modelnet/internal/sources"
	"github.com/tt1a44a/modelnet/internal/verifier"
)

var scanOpts struct {
	threads            int
	limit              int
	timeout            time.Duration
	noDynamicPorts     bool
	dynamicPortLimit   int
	dynamicPortTimeout time.Duration
	preserveVerified   bool
	verbose            bool
	status             bool
	follow             bool
}

var scanCmd = &cobra.Command{
	Use:   "scan [method] [file]",
	Short: "Discover and verify endpoints",
	Long: `Runs a discovery scan using one of:

  shodan          query the Shodan API
  censys          query the Censys API
  masscan <file>  parse a masscan grepable output file
  check           re-probe currently verified endpoints
  reassign        re-probe the entire catalog
  menu            choose interactively (default)

Ctrl-C toggles pause; SIGTERM drains workers and stops.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runScan,
}

func init() {
	f := scanCmd.Flags()
	f.IntVar(&scanOpts.threads, "threads", scanner.DefaultWorkers, "worker pool size")
	f.IntVar(&scanOpts.limit, "limit", 0, "stop after this many candidates (0 means unlimited)")
	f.DurationVar(&scanOpts.timeout, "timeout", 0, "override every probe step deadline")
	f.BoolVar(&scanOpts.noDynamicPorts, "no-dynamic-ports", false, "skip dynamic port sampling for promising candidates")
	f.IntVar(&scanOpts.dynamicPortLimit, "dynamic-port-limit", scanner.DefaultDynamicPortLimit, "dynamic ports sampled per candidate")
	f.DurationVar(&scanOpts.dynamicPortTimeout, "dynamic-port-timeout", scanner.DefaultDynamicPortTimeout, "wall-clock budget for dynamic sampling per candidate")
	f.BoolVar(&scanOpts.preserveVerified, "preserve-verified", false, "keep verified status on rediscovered endpoints")
	f.BoolVarP(&scanOpts.verbose, "verbose", "v", false, "debug logging")
	f.BoolVar(&scanOpts.status, "status", false, "print catalog status and exit")
	f.BoolVar(&scanOpts.follow, "follow", false, "keep reading the masscan file as it grows")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, store, err := setup("scan", scanOpts.verbose)
	if err != nil {
		return err
	}
	defer store.Close()

	if scanOpts.status {
		return printScanStatus(os.Stdout, store)
	}

	method, path := "", ""
	if len(args) > 0 {
		method = args[0]
	}
	if len(args) > 1 {
		path = args[1]
	}
	if method == "" || method == "menu" {
		method, path, err = chooseMethod(os.Stdin, os.Stdout)
		if err != nil {
			return err
		}
	}

	src, err := buildSource(cfg, store, method, path)
	if err != nil {
		return err
	}

	client := probe.NewClient(probeConfig())
	sig := scanner.NewSignals()
	ctrl := scanner.New(client, verifier.New(store, client), sig, scanner.Options{
		Workers:            scanOpts.threads,
		MaxConns:           store.MaxConns(),
		Limit:              scanOpts.limit,
		PreserveVerified:   scanOpts.preserveVerified,
		NoDynamicPorts:     scanOpts.noDynamicPorts,
		DynamicPortLimit:   scanOpts.dynamicPortLimit,
		DynamicPortTimeout: scanOpts.dynamicPortTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchSignals(ctx, sig)

	summary := ctrl.Run(ctx, sources.Stream(ctx, src))
	printSummary(os.Stdout, summary)
	return nil
}

// watchSignals maps Ctrl-C to the pause toggle and SIGTERM to termination.
func watchSignals(ctx context.Context, sig *scanner.Signals) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case s := <-sigChan:
			if s == syscall.SIGTERM {
				log.Info().Msg("Termination requested, draining workers")
				sig.Terminate()
				return
			}
			if sig.TogglePause() {
				log.Info().Msg("Scan paused; Ctrl-C resumes, SIGTERM stops")
			} else {
				log.Info().Msg("Scan resumed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildSource(cfg *config.Config, store *catalog.Store, method, path string) (sources.Source, error) {
	switch method {
	case "masscan":
		if path == "" {
			return nil, fmt.Errorf("masscan needs an output file: modelnet scan masscan <file>")
		}
		return &sources.MasscanSource{Path: path, Follow: scanOpts.follow}, nil
	case "shodan":
		if !cfg.HasShodan() {
			return nil, fmt.Errorf("SHODAN_API_KEY is not configured")
		}
		return sources.NewShodanSource(cfg.ShodanAPIKey), nil
	case "censys":
		if !cfg.HasCensys() {
			return nil, fmt.Errorf("CENSYS_API_ID and CENSYS_API_SECRET are not configured")
		}
		return sources.NewCensysSource(cfg.CensysAPIID, cfg.CensysAPISecret), nil
	case "check":
		return &scanner.CatalogSource{Store: store, VerifiedOnly: true}, nil
	case "reassign":
		return &scanner.CatalogSource{Store: store}, nil
	default:
		return nil, fmt.Errorf("unknown scan method %q", method)
	}
}

// chooseMethod is the interactive fallback when no method is given.
func chooseMethod(in io.Reader, out io.Writer) (string, string, error) {
	fmt.Fprintln(out, "Scan methods:")
	fmt.Fprintln(out, "  1) shodan    query the Shodan API")
	fmt.Fprintln(out, "  2) censys    query the Censys API")
	fmt.Fprintln(out, "  3) masscan   parse a masscan output file")
	fmt.Fprintln(out, "  4) check     re-probe verified endpoints")
	fmt.Fprintln(out, "  5) reassign  re-probe the entire catalog")
	fmt.Fprint(out, "Select: ")

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", "", fmt.Errorf("no selection read: %w", err)
	}

	switch strings.TrimSpace(line) {
	case "1", "shodan":
		return "shodan", "", nil
	case "2", "censys":
		return "censys", "", nil
	case "3", "masscan":
		fmt.Fprint(out, "Masscan file: ")
		pathLine, err := reader.ReadString('\n')
		if err != nil && pathLine == "" {
			return "", "", fmt.Errorf("no file path read: %w", err)
		}
		return "masscan", strings.TrimSpace(pathLine), nil
	case "4", "check":
		return "check", "", nil
	case "5", "reassign":
		return "reassign", "", nil
	default:
		return "", "", fmt.Errorf("unknown selection %q", strings.TrimSpace(line))
	}
}

// probeConfig applies the --timeout override to every probe step deadline.
func probeConfig() probe.Config {
	var pc probe.Config
	if scanOpts.timeout > 0 {
		pc.TagsTimeout = scanOpts.timeout
		pc.GenerateTimeout = scanOpts.timeout
		pc.SystemPromptTimeout = scanOpts.timeout
		pc.AuxTimeout = scanOpts.timeout
	}
	return pc
}

func printSummary(w io.Writer, s scanner.Summary) {
	fmt.Fprintf(w, "Scan finished in %s\n", s.Elapsed.Round(time.Second))
	fmt.Fprintf(w, "  completed:  %d\n", s.Completed)
	fmt.Fprintf(w, "  valid:      %d\n", s.Valid)
	fmt.Fprintf(w, "  invalid:    %d\n", s.Invalid)
	fmt.Fprintf(w, "  errors:     %d\n", s.Errors)
	fmt.Fprintf(w, "  duplicates: %d\n", s.Duplicates)
}

// printScanStatus renders the catalog summary used by scan --status.
func printScanStatus(w io.Writer, store *catalog.Store) error {
	svc := query.New(store)
	stats, err := svc.Statistics(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Endpoints: %d (%d active, %d honeypots, %d auth-gated)\n",
		stats.Endpoints, stats.Active, stats.Honeypots, stats.AuthRequired)
	fmt.Fprintf(w, "Verified:  %d\n", stats.Verified)
	fmt.Fprintf(w, "Models:    %d (%d distinct)\n", stats.Models, stats.DistinctModels)

	for _, apiType := range sortedKeys(stats.ByAPIType) {
		fmt.Fprintf(w, "  %-8s %d\n", apiType, stats.ByAPIType[apiType])
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
