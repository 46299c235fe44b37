package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tt1a44a/modelnet/internal/catalog"
	"github.com/tt1a44a/modelnet/internal/config"
	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	cfg := &config.Config{
		DatabaseType:     config.DatabaseSQLite,
		SQLitePath:       filepath.Join(t.TempDir(), "catalog.db"),
		DBMinConnections: 1,
		DBMaxConnections: 4,
		DBConnectTimeout: 5 * time.Second,
	}
	store, err := catalog.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strp(s string) *string { return &s }

func floatp(v float64) *float64 { return &v }

// seedWorld builds a small mixed catalog:
//
//	ep1 203.0.113.9:11434  ollama, active, verified; llama3:8b + mistral:7b-q4_0
//	ep2 198.51.100.7:8000  localai, active, verified; llama3:8b
//	ep3 192.0.2.5:11434    honeypot (still active); decoy:70b
//	ep4 192.0.2.6:8080     auth-gated, inactive, never verified
func seedWorld(t *testing.T, store *catalog.Store) (ep1, ep2, ep3, ep4 int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	err := store.Transaction(ctx, func(tx *catalog.Tx) error {
		var err error
		if ep1, err = tx.UpsertDiscovered(ctx, "203.0.113.9", 11434, catalog.VerifiedNever, false, now); err != nil {
			return err
		}
		if err = tx.MarkValid(ctx, ep1, now, catalog.APITypeOllama, nil, []string{"chat"}); err != nil {
			return err
		}
		if err = tx.UpsertVerified(ctx, ep1, now, "probe", "scanner"); err != nil {
			return err
		}
		if _, err = tx.ReconcileModels(ctx, ep1, []catalog.ObservedModel{
			{Name: "llama3:8b", SizeMB: floatp(4096), ParameterSize: strp("8B"), QuantizationLevel: strp("Q4_K_M")},
			{Name: "mistral:7b-q4_0", SizeMB: floatp(3500), ParameterSize: strp("7B"), QuantizationLevel: strp("Q4_0")},
		}); err != nil {
			return err
		}

		if ep2, err = tx.UpsertDiscovered(ctx, "198.51.100.7", 8000, catalog.VerifiedNever, false, now); err != nil {
			return err
		}
		if err = tx.MarkValid(ctx, ep2, now, catalog.APITypeLocalAI, nil, []string{"chat"}); err != nil {
			return err
		}
		if err = tx.UpsertVerified(ctx, ep2, now, "probe", "scanner"); err != nil {
			return err
		}
		if _, err = tx.ReconcileModels(ctx, ep2, []catalog.ObservedModel{
			{Name: "llama3:8b", SizeMB: floatp(4096), ParameterSize: strp("8B"), QuantizationLevel: strp("Q4_K_M")},
		}); err != nil {
			return err
		}

		if ep3, err = tx.UpsertDiscovered(ctx, "192.0.2.5", 11434, catalog.VerifiedNever, false, now); err != nil {
			return err
		}
		if err = tx.MarkValid(ctx, ep3, now, catalog.APITypeOllama, nil, []string{"chat"}); err != nil {
			return err
		}
		if err = tx.MarkHoneypot(ctx, ep3, "instant responses with fixed latency", now); err != nil {
			return err
		}
		if _, err = tx.ReconcileModels(ctx, ep3, []catalog.ObservedModel{
			{Name: "decoy:70b", ParameterSize: strp("70B")},
		}); err != nil {
			return err
		}

		if ep4, err = tx.UpsertDiscovered(ctx, "192.0.2.6", 8080, catalog.VerifiedNever, false, now); err != nil {
			return err
		}
		return tx.MarkAuthRequired(ctx, ep4, now)
	})
	if err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}
	return ep1, ep2, ep3, ep4
}

func TestEndpointsFilter(t *testing.T) {
	store := newTestStore(t)
	seedWorld(t, store)
	svc := New(store)

	active, err := svc.Endpoints(context.Background(), catalog.EndpointFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(active) != 3 {
		t.Errorf("expected 3 active endpoints, got %d", len(active))
	}

	ollama, err := svc.Endpoints(context.Background(), catalog.EndpointFilter{APIType: catalog.APITypeOllama})
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(ollama) != 2 {
		t.Errorf("expected 2 ollama endpoints, got %d", len(ollama))
	}
}

func TestModelsGroupsAcrossEndpoints(t *testing.T) {
	store := newTestStore(t)
	seedWorld(t, store)

	listings, err := New(store).Models(context.Background(), ModelFilter{Sort: SortByCount})
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("expected 2 model names, got %d", len(listings))
	}
	if listings[0].Name != "llama3:8b" || listings[0].Hosts != 2 {
		t.Errorf("expected llama3:8b hosted twice first, got %s x%d", listings[0].Name, listings[0].Hosts)
	}
	if listings[1].Name != "mistral:7b-q4_0" || listings[1].Hosts != 1 {
		t.Errorf("expected mistral:7b-q4_0 hosted once, got %s x%d", listings[1].Name, listings[1].Hosts)
	}
	if listings[0].ParameterSize == nil || *listings[0].ParameterSize != "8B" {
		t.Errorf("expected parameter size 8B, got %v", listings[0].ParameterSize)
	}
}

func TestModelsExcludesHoneypotHosts(t *testing.T) {
	store := newTestStore(t)
	seedWorld(t, store)

	listings, err := New(store).Models(context.Background(), ModelFilter{Name: "decoy"})
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(listings) != 0 {
		t.Errorf("expected honeypot-hosted model to be absent, got %d listings", len(listings))
	}
}

func TestModelsFilters(t *testing.T) {
	store := newTestStore(t)
	seedWorld(t, store)
	svc := New(store)

	byName, err := svc.Models(context.Background(), ModelFilter{Name: "MISTRAL"})
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(byName) != 1 || byName[0].Name != "mistral:7b-q4_0" {
		t.Errorf("expected name filter to match mistral only, got %+v", byName)
	}

	byQuant, err := svc.Models(context.Background(), ModelFilter{Quantization: "q4_k_m"})
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(byQuant) != 1 || byQuant[0].Name != "llama3:8b" {
		t.Errorf("expected quant filter to match llama3 only, got %+v", byQuant)
	}

	byParams, err := svc.Models(context.Background(), ModelFilter{ParameterSize: "7b"})
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(byParams) != 1 || byParams[0].Name != "mistral:7b-q4_0" {
		t.Errorf("expected params filter to match mistral only, got %+v", byParams)
	}

	limited, err := svc.Models(context.Background(), ModelFilter{Sort: SortByCount, Limit: 1})
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Name != "llama3:8b" {
		t.Errorf("expected limit to keep the top entry, got %+v", limited)
	}
}

func TestEndpointDetail(t *testing.T) {
	store := newTestStore(t)
	ep1, _, _, _ := seedWorld(t, store)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	err := store.Transaction(ctx, func(tx *catalog.Tx) error {
		for i := 0; i < 3; i++ {
			v := &catalog.Verification{
				EndpointID:       ep1,
				VerificationDate: base.Add(time.Duration(i) * time.Minute),
				ResponseSample:   "Hello! I am running fine today.",
				DetectedModels:   []string{"llama3:8b"},
			}
			if err := tx.InsertVerification(ctx, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed history: %v", err)
	}

	for i, tps := range []float64{18.5, 24.0} {
		_, err := store.InsertBenchmark(ctx, &catalog.BenchmarkResult{
			EndpointID:      ep1,
			TestDate:        base.Add(time.Duration(i) * time.Hour),
			TokensPerSecond: floatp(tps),
			SuccessRate:     floatp(1.0),
		})
		if err != nil {
			t.Fatalf("failed to seed benchmark: %v", err)
		}
	}

	detail, err := New(store).EndpointDetail(ctx, ep1, 2)
	if err != nil {
		t.Fatalf("detail failed: %v", err)
	}
	if detail.Endpoint.IP != "203.0.113.9" || detail.Endpoint.Port != 11434 {
		t.Errorf("unexpected endpoint %s", detail.Endpoint.Address())
	}
	if detail.VerifiedAt == nil {
		t.Error("expected a verified marker")
	}
	if detail.VerificationMethod == nil || *detail.VerificationMethod != "probe" {
		t.Errorf("unexpected verification method %v", detail.VerificationMethod)
	}
	if len(detail.Models) != 2 {
		t.Errorf("expected 2 hosted models, got %d", len(detail.Models))
	}
	if detail.LatestBenchmark == nil {
		t.Fatal("expected the latest benchmark")
	}
	if detail.LatestBenchmark.TokensPerSecond == nil || *detail.LatestBenchmark.TokensPerSecond != 24.0 {
		t.Errorf("expected the newest benchmark, got %+v", detail.LatestBenchmark.TokensPerSecond)
	}
	if len(detail.History) != 2 {
		t.Fatalf("expected history limited to 2, got %d", len(detail.History))
	}
	if !detail.History[0].VerificationDate.After(detail.History[1].VerificationDate) {
		t.Error("expected history newest first")
	}
}

func TestEndpointDetailWithoutExtras(t *testing.T) {
	store := newTestStore(t)
	_, _, _, ep4 := seedWorld(t, store)

	detail, err := New(store).EndpointDetail(context.Background(), ep4, 0)
	if err != nil {
		t.Fatalf("detail failed: %v", err)
	}
	if detail.VerifiedAt != nil {
		t.Error("expected no verified marker for a rejected endpoint")
	}
	if detail.LatestBenchmark != nil {
		t.Error("expected no benchmark")
	}
	if len(detail.Models) != 0 || len(detail.History) != 0 {
		t.Errorf("expected empty models and history, got %d/%d", len(detail.Models), len(detail.History))
	}
}

func TestEndpointDetailMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := New(store).EndpointDetail(context.Background(), 4242, 0); !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found for unknown endpoint, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	store := newTestStore(t)
	seedWorld(t, store)

	stats, err := New(store).Statistics(context.Background())
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}

	if stats.Endpoints != 4 || stats.Active != 3 || stats.Honeypots != 1 || stats.AuthRequired != 1 {
		t.Errorf("unexpected endpoint totals %+v", stats)
	}
	if stats.Verified != 2 {
		t.Errorf("expected 2 verified endpoints, got %d", stats.Verified)
	}
	if stats.Models != 4 || stats.DistinctModels != 3 {
		t.Errorf("unexpected model totals %d/%d", stats.Models, stats.DistinctModels)
	}

	if stats.ByAPIType[catalog.APITypeOllama] != 2 ||
		stats.ByAPIType[catalog.APITypeLocalAI] != 1 ||
		stats.ByAPIType[catalog.APITypeUnknown] != 1 {
		t.Errorf("unexpected api type split %+v", stats.ByAPIType)
	}

	if len(stats.TopModels) != 2 || stats.TopModels[0].Name != "llama3:8b" || stats.TopModels[0].Hosts != 2 {
		t.Errorf("unexpected top models %+v", stats.TopModels)
	}

	if stats.ParameterSizes["8B"] != 2 || stats.ParameterSizes["7B"] != 1 || stats.ParameterSizes["70B"] != 1 {
		t.Errorf("unexpected parameter histogram %+v", stats.ParameterSizes)
	}
	if stats.Quantizations["Q4_K_M"] != 2 || stats.Quantizations["Q4_0"] != 1 || stats.Quantizations["unknown"] != 1 {
		t.Errorf("unexpected quantization histogram %+v", stats.Quantizations)
	}
}

func TestHealth(t *testing.T) {
	store := newTestStore(t)
	seedWorld(t, store)

	h, err := New(store).Health(context.Background())
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if h.Dialect != "sqlite" {
		t.Errorf("unexpected dialect %q", h.Dialect)
	}
	if h.SizeBytes <= 0 {
		t.Errorf("expected a positive database size, got %d", h.SizeBytes)
	}
	if h.IndexScans != nil {
		t.Error("expected no index-scan counters on sqlite")
	}

	counts := make(map[string]int64, len(h.Tables))
	for _, tc := range h.Tables {
		counts[tc.Table] = tc.Rows
	}
	if counts["endpoints"] != 4 {
		t.Errorf("expected 4 endpoint rows, got %d", counts["endpoints"])
	}
	if counts["models"] != 4 {
		t.Errorf("expected 4 model rows, got %d", counts["models"])
	}
	if counts["verified_endpoints"] != 2 {
		t.Errorf("expected 2 verified rows, got %d", counts["verified_endpoints"])
	}
	if _, ok := counts["metadata"]; !ok {
		t.Error("expected a metadata row count")
	}
}
