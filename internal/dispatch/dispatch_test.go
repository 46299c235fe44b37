package dispatch

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
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

// seedTarget writes a verified endpoint hosting one model and returns the
// endpoint and model ids.
func seedTarget(t *testing.T, store *catalog.Store, ip string, port int, model string, verifiedAt time.Time) (int64, int64) {
	t.Helper()
	ctx := context.Background()

	var endpointID int64
	err := store.Transaction(ctx, func(tx *catalog.Tx) error {
		id, err := tx.UpsertDiscovered(ctx, ip, port, catalog.VerifiedNever, false, verifiedAt)
		if err != nil {
			return err
		}
		endpointID = id
		if err := tx.MarkValid(ctx, id, verifiedAt, catalog.APITypeOllama, nil, []string{"chat"}); err != nil {
			return err
		}
		if err := tx.UpsertVerified(ctx, id, verifiedAt, "probe", "scanner"); err != nil {
			return err
		}
		_, err = tx.ReconcileModels(ctx, id, []catalog.ObservedModel{{Name: model}})
		return err
	})
	if err != nil {
		t.Fatalf("failed to seed endpoint: %v", err)
	}

	models, err := store.ModelsByEndpoint(ctx, endpointID)
	if err != nil {
		t.Fatalf("failed to read seeded models: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected 1 seeded model, got %d", len(models))
	}
	return endpointID, models[0].ID
}

func serveChat(t *testing.T, handler http.HandlerFunc) (string, int) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("failed to split host/port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse port: %v", err)
	}
	return host, port
}

func TestResolveByNameSubstring(t *testing.T) {
	store := newTestStore(t)
	_, modelID := seedTarget(t, store, "203.0.113.9", 11434, "llama3:8b-instruct", time.Now())

	svc := New(store)
	target, err := svc.Resolve(context.Background(), "LLAMA3")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if target.ModelID != modelID {
		t.Errorf("expected model id %d, got %d", modelID, target.ModelID)
	}
	if target.ModelName != "llama3:8b-instruct" {
		t.Errorf("unexpected model name %q", target.ModelName)
	}
	if target.IP != "203.0.113.9" || target.Port != 11434 {
		t.Errorf("unexpected target address %s", target.Address())
	}
	if target.APIType != catalog.APITypeOllama {
		t.Errorf("unexpected api type %q", target.APIType)
	}
}

func TestResolvePrefersMostRecentVerification(t *testing.T) {
	store := newTestStore(t)
	old := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()
	seedTarget(t, store, "203.0.113.9", 11434, "llama3:8b", old)
	freshEndpoint, _ := seedTarget(t, store, "198.51.100.7", 8000, "llama3:8b", fresh)

	svc := New(store)
	target, err := svc.Resolve(context.Background(), "llama3")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if target.EndpointID != freshEndpoint {
		t.Errorf("expected most recently verified endpoint %d, got %d", freshEndpoint, target.EndpointID)
	}
	if target.IP != "198.51.100.7" {
		t.Errorf("expected fresh endpoint address, got %s", target.Address())
	}
}

func TestResolveByNumericID(t *testing.T) {
	store := newTestStore(t)
	_, modelID := seedTarget(t, store, "203.0.113.9", 11434, "mistral:7b", time.Now())

	svc := New(store)
	target, err := svc.Resolve(context.Background(), strconv.FormatInt(modelID, 10))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if target.ModelID != modelID {
		t.Errorf("expected model id %d, got %d", modelID, target.ModelID)
	}

	// A numeric selector that matches no id must not fall back to a
	// substring search.
	if _, err := svc.Resolve(context.Background(), "424242"); !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found for unknown id, got %v", err)
	}
}

func TestResolveExcludesHoneypots(t *testing.T) {
	store := newTestStore(t)
	endpointID, _ := seedTarget(t, store, "203.0.113.9", 11434, "llama3:8b", time.Now())

	ctx := context.Background()
	err := store.Transaction(ctx, func(tx *catalog.Tx) error {
		return tx.MarkHoneypot(ctx, endpointID, "instant responses with fixed latency", time.Now())
	})
	if err != nil {
		t.Fatalf("failed to mark honeypot: %v", err)
	}

	if _, err := New(store).Resolve(ctx, "llama3"); !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found for honeypot-only model, got %v", err)
	}
}

func TestResolveExcludesInactiveEndpoints(t *testing.T) {
	store := newTestStore(t)
	endpointID, _ := seedTarget(t, store, "203.0.113.9", 11434, "llama3:8b", time.Now())

	ctx := context.Background()
	err := store.Transaction(ctx, func(tx *catalog.Tx) error {
		return tx.MarkInvalid(ctx, endpointID, "Tags request failed: connection refused", time.Now())
	})
	if err != nil {
		t.Fatalf("failed to deactivate endpoint: %v", err)
	}

	if _, err := New(store).Resolve(ctx, "llama3"); !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found for inactive endpoint, got %v", err)
	}
}

func TestResolveEmptySelector(t *testing.T) {
	store := newTestStore(t)
	if _, err := New(store).Resolve(context.Background(), "  "); !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found for blank selector, got %v", err)
	}
}

func TestChatForwardsAndSavesHistory(t *testing.T) {
	store := newTestStore(t)

	var gotBody struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Options struct {
			Temperature float64 `json:"temperature"`
			NumPredict  int     `json:"num_predict"`
		} `json:"options"`
		Stream bool `json:"stream"`
	}
	host, port := serveChat(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode chat request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":       map[string]any{"role": "assistant", "content": "The capital of France is Paris."},
			"eval_count":    42,
			"eval_duration": 2_000_000_000,
		})
	})

	_, modelID := seedTarget(t, store, host, port, "llama3:8b", time.Now())

	svc := New(store)
	reply, err := svc.Chat(context.Background(), Request{
		Selector:     "llama3",
		UserID:       "cli",
		Prompt:       "What is the capital of France?",
		SystemPrompt: "Answer briefly.",
		Temperature:  0.7,
		MaxTokens:    256,
		SaveHistory:  true,
	})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	if gotBody.Model != "llama3:8b" {
		t.Errorf("expected model llama3:8b in request, got %q", gotBody.Model)
	}
	if gotBody.Stream {
		t.Error("expected stream: false")
	}
	if len(gotBody.Messages) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(gotBody.Messages))
	}
	if gotBody.Messages[0].Role != "system" || gotBody.Messages[0].Content != "Answer briefly." {
		t.Errorf("unexpected system message %+v", gotBody.Messages[0])
	}
	if gotBody.Messages[1].Role != "user" || gotBody.Messages[1].Content != "What is the capital of France?" {
		t.Errorf("unexpected user message %+v", gotBody.Messages[1])
	}
	if gotBody.Options.Temperature != 0.7 || gotBody.Options.NumPredict != 256 {
		t.Errorf("unexpected options %+v", gotBody.Options)
	}

	if reply.Content != "The capital of France is Paris." {
		t.Errorf("unexpected reply content %q", reply.Content)
	}
	if reply.EvalCount != 42 || reply.EvalDurationNS != 2_000_000_000 {
		t.Errorf("unexpected eval counters %d/%d", reply.EvalCount, reply.EvalDurationNS)
	}
	if tps := reply.TokensPerSecond(); tps < 20.9 || tps > 21.1 {
		t.Errorf("expected ~21 tokens/s, got %.2f", tps)
	}
	if reply.HistoryID == 0 {
		t.Fatal("expected a history record id")
	}

	var (
		userID    string
		savedID   int64
		response  string
		evalCount int64
	)
	err = store.FetchOne(context.Background(), `
		SELECT user_id, model_id, response, eval_count
		FROM chat_history WHERE id = ?`,
		[]any{reply.HistoryID}, &userID, &savedID, &response, &evalCount)
	if err != nil {
		t.Fatalf("failed to read history row: %v", err)
	}
	if userID != "cli" || savedID != modelID {
		t.Errorf("unexpected history attribution user=%q model=%d", userID, savedID)
	}
	if response != reply.Content || evalCount != 42 {
		t.Errorf("unexpected history payload response=%q eval_count=%d", response, evalCount)
	}
}

func TestForwardElidesEmptySystemPrompt(t *testing.T) {
	store := newTestStore(t)

	var roles []string
	host, port := serveChat(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode chat request: %v", err)
		}
		roles = roles[:0]
		for _, m := range body.Messages {
			roles = append(roles, m.Role)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"content": "ok"},
		})
	})

	seedTarget(t, store, host, port, "llama3:8b", time.Now())
	svc := New(store)

	if _, err := svc.Chat(context.Background(), Request{Selector: "llama3", Prompt: "hi"}); err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if len(roles) != 1 || roles[0] != "user" {
		t.Errorf("expected a lone user message, got %v", roles)
	}

	if _, err := svc.Chat(context.Background(), Request{Selector: "llama3", Prompt: "hi", SystemPrompt: "be terse"}); err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if len(roles) != 2 || roles[0] != "system" {
		t.Errorf("expected system message first, got %v", roles)
	}
}

func TestForwardServerErrorLeavesEndpointUntouched(t *testing.T) {
	store := newTestStore(t)

	host, port := serveChat(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model runner crashed", http.StatusInternalServerError)
	})
	endpointID, _ := seedTarget(t, store, host, port, "llama3:8b", time.Now())

	_, err := New(store).Chat(context.Background(), Request{Selector: "llama3", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected an error for HTTP 500")
	}
	if kind := apperrors.KindOf(err); kind != apperrors.KindProtocol {
		t.Errorf("expected protocol error, got kind %v: %v", kind, err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status code in error, got %v", err)
	}

	ep, err := store.EndpointByID(context.Background(), endpointID)
	if err != nil {
		t.Fatalf("failed to reload endpoint: %v", err)
	}
	if !ep.IsActive || ep.Verified != catalog.VerifiedOK {
		t.Errorf("forward failure must not alter the endpoint: active=%v verified=%d", ep.IsActive, ep.Verified)
	}
}

func TestForwardAuthRequired(t *testing.T) {
	store := newTestStore(t)

	host, port := serveChat(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	seedTarget(t, store, host, port, "llama3:8b", time.Now())

	_, err := New(store).Chat(context.Background(), Request{Selector: "llama3", Prompt: "hi"})
	if kind := apperrors.KindOf(err); kind != apperrors.KindAuthRequired {
		t.Errorf("expected auth-required error, got kind %v: %v", kind, err)
	}
}

func TestForwardTimeout(t *testing.T) {
	store := newTestStore(t)

	host, port := serveChat(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	seedTarget(t, store, host, port, "llama3:8b", time.Now())

	svc := NewWithTimeout(store, 50*time.Millisecond)
	_, err := svc.Chat(context.Background(), Request{Selector: "llama3", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !strings.Contains(err.Error(), "Timeout") {
		t.Errorf("expected Timeout in error text, got %v", err)
	}
}

func TestHistoryFailureDoesNotVoidReply(t *testing.T) {
	store := newTestStore(t)

	host, port := serveChat(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"content": "still here"},
		})
	})
	seedTarget(t, store, host, port, "llama3:8b", time.Now())

	svc := New(store)
	target, err := svc.Resolve(context.Background(), "llama3")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	// Deleting the model row makes the history insert violate its foreign
	// key; the reply must survive with HistoryID zero.
	if _, err := store.Exec(context.Background(), `DELETE FROM models WHERE id = ?`, target.ModelID); err != nil {
		t.Fatalf("failed to delete model row: %v", err)
	}

	reply, err := svc.Forward(context.Background(), target, Request{
		Selector:    "llama3",
		Prompt:      "hi",
		SaveHistory: true,
	})
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if reply.Content != "still here" {
		t.Errorf("unexpected reply content %q", reply.Content)
	}
	if reply.HistoryID != 0 {
		t.Errorf("expected no history id after failed save, got %d", reply.HistoryID)
	}
}
