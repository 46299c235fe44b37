package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tt1a44a/modelnet/internal/catalog"
	"github.com/tt1a44a/modelnet/internal/query"
)

var endpointOpts struct {
	apiType      string
	capability   string
	authRequired bool
	active       bool
	honeypots    bool
	limit        int
	history      int
	verbose      bool
}

var endpointsCmd = &cobra.Command{
	Use:   "endpoints [id]",
	Short: "List cataloged endpoints, or show one in detail",
	Long: `Without arguments, lists endpoints matching the filters. With a numeric
id, shows the full detail view: verification status, hosted models, the
latest benchmark, and recent verification history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEndpoints,
}

var modelOpts struct {
	name    string
	params  string
	quant   string
	sort    string
	limit   int
	verbose bool
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Search models across active endpoints",
	RunE:  runModels,
}

var statsOpts struct {
	health  bool
	verbose bool
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Catalog totals and distributions",
	RunE:  runStats,
}

func init() {
	f := endpointsCmd.Flags()
	f.StringVar(&endpointOpts.apiType, "api-type", "", "filter by API flavor (ollama, localai)")
	f.StringVar(&endpointOpts.capability, "capability", "", "filter by advertised capability")
	f.BoolVar(&endpointOpts.authRequired, "auth-required", false, "filter by auth requirement")
	f.BoolVar(&endpointOpts.active, "active", false, "active endpoints only")
	f.BoolVar(&endpointOpts.honeypots, "honeypots", false, "honeypots only")
	f.IntVar(&endpointOpts.limit, "limit", 0, "cap the listing (0 lists all)")
	f.IntVar(&endpointOpts.history, "history", 5, "history entries in the detail view")
	f.BoolVarP(&endpointOpts.verbose, "verbose", "v", false, "debug logging")

	f = modelsCmd.Flags()
	f.StringVar(&modelOpts.name, "name", "", "substring match on model name")
	f.StringVar(&modelOpts.params, "params", "", "exact parameter size, e.g. 7B")
	f.StringVar(&modelOpts.quant, "quant", "", "exact quantization level, e.g. Q4_K_M")
	f.StringVar(&modelOpts.sort, "sort", query.SortByName, "sort key: name, params, quant, count")
	f.IntVar(&modelOpts.limit, "limit", 0, "cap the listing (0 lists all)")
	f.BoolVarP(&modelOpts.verbose, "verbose", "v", false, "debug logging")

	f = statsCmd.Flags()
	f.BoolVar(&statsOpts.health, "health", false, "include database health")
	f.BoolVarP(&statsOpts.verbose, "verbose", "v", false, "debug logging")
}

func runEndpoints(cmd *cobra.Command, args []string) error {
	_, store, err := setup("endpoints", endpointOpts.verbose)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()
	svc := query.New(store)

	if len(args) == 1 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("endpoint id %q is not numeric", args[0])
		}
		detail, err := svc.EndpointDetail(ctx, id, endpointOpts.history)
		if err != nil {
			return err
		}
		printEndpointDetail(os.Stdout, detail)
		return nil
	}

	filter := catalog.EndpointFilter{
		APIType:      endpointOpts.apiType,
		Capability:   endpointOpts.capability,
		ActiveOnly:   endpointOpts.active,
		HoneypotOnly: endpointOpts.honeypots,
		Limit:        endpointOpts.limit,
	}
	if cmd.Flags().Changed("auth-required") {
		filter.AuthRequired = &endpointOpts.authRequired
	}
	endpoints, err := svc.Endpoints(ctx, filter)
	if err != nil {
		return err
	}
	printEndpoints(os.Stdout, endpoints)
	return nil
}

func printEndpoints(w io.Writer, endpoints []*catalog.Endpoint) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tTYPE\tSTATUS\tLAST CHECK")
	for _, e := range endpoints {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.Address(), e.APIType, endpointStatus(e), timeOrDash(e.LastCheckDate))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d endpoints\n", len(endpoints))
}

// endpointStatus folds the verification columns into one listing word.
func endpointStatus(e *catalog.Endpoint) string {
	status := "unverified"
	switch {
	case e.IsHoneypot:
		status = "honeypot"
	case e.Verified == catalog.VerifiedOK:
		status = "verified"
	case e.Verified == catalog.VerifiedRejected:
		status = "rejected"
	}
	if !e.IsActive {
		status += " (inactive)"
	}
	return status
}

func printEndpointDetail(w io.Writer, d *query.EndpointDetail) {
	e := d.Endpoint
	fmt.Fprintf(w, "Endpoint #%d  %s\n", e.ID, e.Address())
	fmt.Fprintf(w, "  api type:   %s", e.APIType)
	if e.APIVersion != nil {
		fmt.Fprintf(w, " (%s)", *e.APIVersion)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  status:     %s\n", endpointStatus(e))
	if e.InactiveReason != nil {
		fmt.Fprintf(w, "  inactive:   %s\n", *e.InactiveReason)
	}
	if e.HoneypotReason != nil {
		fmt.Fprintf(w, "  honeypot:   %s\n", *e.HoneypotReason)
	}
	if e.AuthRequired {
		fmt.Fprintf(w, "  auth:       required\n")
	}
	if len(e.Capabilities) > 0 {
		fmt.Fprintf(w, "  capable of: %s\n", strings.Join(e.Capabilities, ", "))
	}
	if d.VerifiedAt != nil {
		fmt.Fprintf(w, "  verified:   %s", d.VerifiedAt.Format(time.RFC3339))
		if d.VerificationMethod != nil {
			fmt.Fprintf(w, " via %s", *d.VerificationMethod)
		}
		fmt.Fprintln(w)
	}

	if len(d.Models) > 0 {
		fmt.Fprintf(w, "\nModels (%d):\n", len(d.Models))
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, m := range d.Models {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
				m.Name, orDash(m.ParameterSize), orDash(m.QuantizationLevel), sizeOrDash(m.SizeMB))
		}
		tw.Flush()
	}

	if b := d.LatestBenchmark; b != nil {
		fmt.Fprintf(w, "\nLatest benchmark (%s):\n", b.TestDate.Format("2006-01-02 15:04"))
		if b.TokensPerSecond != nil {
			fmt.Fprintf(w, "  throughput:    %.1f tok/s\n", *b.TokensPerSecond)
		}
		if b.AvgResponseTime != nil {
			fmt.Fprintf(w, "  mean response: %.2fs\n", *b.AvgResponseTime)
		}
		if b.FirstTokenLatency != nil {
			fmt.Fprintf(w, "  first token:   %.2fs\n", *b.FirstTokenLatency)
		}
		if b.MaxConcurrentRequests != nil {
			fmt.Fprintf(w, "  concurrency:   %d parallel\n", *b.MaxConcurrentRequests)
		}
	}

	if len(d.History) > 0 {
		fmt.Fprintf(w, "\nVerification history:\n")
		for _, v := range d.History {
			outcome := "ok"
			if v.IsHoneypot {
				outcome = "honeypot"
			}
			fmt.Fprintf(w, "  %s  %-8s", v.VerificationDate.Format("2006-01-02 15:04"), outcome)
			if len(v.DetectedModels) > 0 {
				fmt.Fprintf(w, "  %d models", len(v.DetectedModels))
			}
			if v.Metrics.TokensPerSecond > 0 {
				fmt.Fprintf(w, "  %.1f tok/s", v.Metrics.TokensPerSecond)
			}
			fmt.Fprintln(w)
		}
	}
}

func runModels(cmd *cobra.Command, args []string) error {
	_, store, err := setup("models", modelOpts.verbose)
	if err != nil {
		return err
	}
	defer store.Close()

	listings, err := query.New(store).Models(context.Background(), query.ModelFilter{
		Name:          modelOpts.name,
		ParameterSize: modelOpts.params,
		Quantization:  modelOpts.quant,
		Sort:          modelOpts.sort,
		Limit:         modelOpts.limit,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHOSTS\tPARAMS\tQUANT\tSIZE")
	for _, l := range listings {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			l.Name, l.Hosts, orDash(l.ParameterSize), orDash(l.QuantizationLevel), sizeOrDash(l.SizeMB))
	}
	tw.Flush()
	fmt.Printf("%d models\n", len(listings))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	_, store, err := setup("stats", statsOpts.verbose)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()
	svc := query.New(store)

	stats, err := svc.Statistics(ctx)
	if err != nil {
		return err
	}
	printStats(os.Stdout, stats)

	if statsOpts.health {
		health, err := svc.Health(ctx)
		if err != nil {
			return err
		}
		printHealth(os.Stdout, health)
	}
	return nil
}

func printStats(w io.Writer, stats *query.Statistics) {
	fmt.Fprintf(w, "Endpoints: %d (%d active, %d honeypots, %d auth-gated)\n",
		stats.Endpoints, stats.Active, stats.Honeypots, stats.AuthRequired)
	fmt.Fprintf(w, "Verified:  %d\n", stats.Verified)
	fmt.Fprintf(w, "Models:    %d (%d distinct)\n", stats.Models, stats.DistinctModels)

	fmt.Fprintf(w, "\nBy API type:\n")
	for _, k := range sortedKeys(stats.ByAPIType) {
		fmt.Fprintf(w, "  %-12s %d\n", k, stats.ByAPIType[k])
	}

	if len(stats.TopModels) > 0 {
		fmt.Fprintf(w, "\nTop models:\n")
		for _, m := range stats.TopModels {
			fmt.Fprintf(w, "  %-40s %d hosts\n", m.Name, m.Hosts)
		}
	}
	if len(stats.ParameterSizes) > 0 {
		fmt.Fprintf(w, "\nParameter sizes:\n")
		for _, k := range sortedKeys(stats.ParameterSizes) {
			fmt.Fprintf(w, "  %-12s %d\n", k, stats.ParameterSizes[k])
		}
	}
	if len(stats.Quantizations) > 0 {
		fmt.Fprintf(w, "\nQuantizations:\n")
		for _, k := range sortedKeys(stats.Quantizations) {
			fmt.Fprintf(w, "  %-12s %d\n", k, stats.Quantizations[k])
		}
	}
}

func printHealth(w io.Writer, h *query.Health) {
	fmt.Fprintf(w, "\nDatabase (%s): %s\n", h.Dialect, formatBytes(h.SizeBytes))
	for _, t := range h.Tables {
		fmt.Fprintf(w, "  %-24s %d rows\n", t.Table, t.Rows)
	}
	if len(h.IndexScans) > 0 {
		fmt.Fprintf(w, "\nIndex scans:\n")
		names := make([]string, 0, len(h.IndexScans))
		for k := range h.IndexScans {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(w, "  %-32s %d\n", k, h.IndexScans[k])
		}
	}
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func sizeOrDash(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f MB", *v)
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func formatBytes(n int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/kb)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
