package catalog

import (
	"context"
	"sort"
	"testing"
)

func TestInferParameterSize(t *testing.T) {
	tests := []struct {
		name string
		want string // "" means no inference
	}{
		{"llama3:8b", "8B"},
		{"deepseek-r1:1.5b", "1.5B"},
		{"smollm:135m", "135M"},
		{"qwen2.5:7b-instruct", "7B"},
		{"llama3", ""},
		{"mixtral-8x7b", ""},
		{"phi-3-mini", ""},
	}
	for _, tt := range tests {
		got := InferParameterSize(tt.name)
		switch {
		case tt.want == "" && got != nil:
			t.Errorf("InferParameterSize(%q) = %q, want nil", tt.name, *got)
		case tt.want != "" && got == nil:
			t.Errorf("InferParameterSize(%q) = nil, want %q", tt.name, tt.want)
		case tt.want != "" && *got != tt.want:
			t.Errorf("InferParameterSize(%q) = %q, want %q", tt.name, *got, tt.want)
		}
	}
}

func TestInferQuantization(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"llama3:8b-instruct-q4_K_M", "Q4_K_M"},
		{"mistral:7b-q8_0", "Q8_0"},
		{"gemma:2b-f16", "F16"},
		{"llama3:latest", ""},
	}
	for _, tt := range tests {
		got := InferQuantization(tt.name)
		switch {
		case tt.want == "" && got != nil:
			t.Errorf("InferQuantization(%q) = %q, want nil", tt.name, *got)
		case tt.want != "" && got == nil:
			t.Errorf("InferQuantization(%q) = nil, want %q", tt.name, tt.want)
		case tt.want != "" && *got != tt.want:
			t.Errorf("InferQuantization(%q) = %q, want %q", tt.name, *got, tt.want)
		}
	}
}

func strp(s string) *string     { return &s }
func floatp(f float64) *float64 { return &f }

func reconcile(t *testing.T, store *Store, endpointID int64, observed []ObservedModel) ReconcileStats {
	t.Helper()
	var stats ReconcileStats
	err := store.Transaction(context.Background(), func(tx *Tx) error {
		var err error
		stats, err = tx.ReconcileModels(context.Background(), endpointID, observed)
		return err
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	return stats
}

func TestReconcileModels(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedEndpoint(t, store, "203.0.113.40", 11434)

	stats := reconcile(t, store, id, []ObservedModel{
		{Name: "llama3:8b", SizeMB: floatp(4404.0), ParameterSize: strp("8B"), QuantizationLevel: strp("Q4_0")},
		{Name: "smollm:135m", SizeMB: floatp(90.5)},
	})
	if stats.Added != 2 || stats.Updated != 0 || stats.Removed != 0 {
		t.Fatalf("first reconcile stats = %+v, want 2 added", stats)
	}

	models, err := store.ModelsByEndpoint(ctx, id)
	if err != nil {
		t.Fatalf("load models failed: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("models = %d, want 2", len(models))
	}
	// smollm's parameter size was absent from the listing and must come
	// from the name.
	var smollm *Model
	for _, m := range models {
		if m.Name == "smollm:135m" {
			smollm = m
		}
	}
	if smollm == nil {
		t.Fatal("smollm row missing")
	}
	if smollm.ParameterSize == nil || *smollm.ParameterSize != "135M" {
		t.Errorf("inferred parameter size = %v, want 135M", smollm.ParameterSize)
	}

	// Size drift inside the tolerance is not an update.
	stats = reconcile(t, store, id, []ObservedModel{
		{Name: "llama3:8b", SizeMB: floatp(4404.05), ParameterSize: strp("8B"), QuantizationLevel: strp("Q4_0")},
		{Name: "smollm:135m", SizeMB: floatp(90.5)},
	})
	if stats.Updated != 0 {
		t.Errorf("tolerant reconcile stats = %+v, want no updates", stats)
	}

	// A real change updates; a vanished model is removed.
	stats = reconcile(t, store, id, []ObservedModel{
		{Name: "llama3:8b", SizeMB: floatp(8809.0), ParameterSize: strp("8B"), QuantizationLevel: strp("Q8_0")},
	})
	if stats.Updated != 1 || stats.Removed != 1 {
		t.Fatalf("stats = %+v, want 1 updated 1 removed", stats)
	}

	models, err = store.ModelsByEndpoint(ctx, id)
	if err != nil {
		t.Fatalf("load models failed: %v", err)
	}
	if len(models) != 1 || models[0].Name != "llama3:8b" {
		t.Fatalf("models after removal = %v", models)
	}
	if *models[0].QuantizationLevel != "Q8_0" {
		t.Errorf("quantization = %q, want Q8_0", *models[0].QuantizationLevel)
	}
}

func TestReconcileRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedEndpoint(t, store, "203.0.113.41", 11434)

	observed := []ObservedModel{
		{Name: "llama3:8b", SizeMB: floatp(4404.0)},
		{Name: "mistral:7b-q4_K_M"},
		{Name: "gemma:2b", ParameterSize: strp("2B")},
		{Name: "mistral:7b-q4_K_M"}, // duplicate entry in one listing
	}
	reconcile(t, store, id, observed)

	models, err := store.ModelsByEndpoint(ctx, id)
	if err != nil {
		t.Fatalf("load models failed: %v", err)
	}

	var got []string
	for _, m := range models {
		got = append(got, m.Name)
	}
	sort.Strings(got)
	want := []string{"gemma:2b", "llama3:8b", "mistral:7b-q4_K_M"}
	if len(got) != len(want) {
		t.Fatalf("stored names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stored names = %v, want %v", got, want)
		}
	}

	// Reconciling the same listing again changes nothing.
	stats := reconcile(t, store, id, observed)
	if stats.Added != 0 || stats.Updated != 0 || stats.Removed != 0 {
		t.Errorf("idempotent reconcile stats = %+v, want zeros", stats)
	}
}
