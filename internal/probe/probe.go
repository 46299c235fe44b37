// Package probe implements the single-endpoint HTTP probe used by the
// verifier: tag listing, a small generation, a system-prompt generation for
// honeypot corroboration, and best-effort diagnostics. The client is
// stateless and keeps no store connection; every step runs under its own
// deadline.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

// Per-step defaults. Steps are independent; a slow tag listing does not
// shorten the generation budget.
const (
	DefaultTagsTimeout         = 15 * time.Second
	DefaultGenerateTimeout     = 30 * time.Second
	DefaultSystemPromptTimeout = 25 * time.Second
	DefaultAuxTimeout          = 5 * time.Second
	DefaultRetryAttempts       = 2
	DefaultRetryDelay          = 3 * time.Second

	// generateMaxTokens bounds the verification generation.
	generateMaxTokens = 50

	// maxBodyBytes guards against endpoints streaming garbage at the probe.
	maxBodyBytes = 4 << 20
)

// Probe prompts. The system-prompt pair corroborates honeypot detection: a
// real model keeps the answer short, canned responders ignore the system
// message entirely.
const (
	GreetingPrompt    = "Hello, please respond with a brief greeting."
	shortAnswerSystem = "You must answer in five words or fewer."
	shortAnswerPrompt = "How are you today?"
)

// API flavors reported by a probe.
const (
	APIOllama  = "ollama"
	APILocalAI = "localai"
	APIUnknown = "unknown"
)

// errTagsUnsupported marks a tags listing rejected with 404/405, which
// triggers the LiteLLM-flavored fallback enumeration.
var errTagsUnsupported = errors.New("tags endpoint unsupported")

// Status is the terminal outcome of one probe.
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalid
	StatusTransport
	StatusAuthRequired
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalid:
		return "invalid"
	case StatusTransport:
		return "transport"
	case StatusAuthRequired:
		return "auth_required"
	default:
		return "unknown"
	}
}

// Metrics summarizes generation timing reported by the endpoint.
type Metrics struct {
	EvalCount         int64
	EvalDurationNS    int64
	TotalDurationNS   int64
	TokensPerSecond   float64
	FirstTokenLatency float64
}

// Result carries everything a probe observed. The honeypot classifier is a
// pure function over this value.
type Result struct {
	IP   string
	Port int

	Status Status
	Reason string
	Err    error

	APIType    string
	APIVersion string

	Models        []TagModel
	SelectedModel string

	GenerateText     string
	SystemPromptText string
	RunningModels    []string

	AuthRequired bool
	Metrics      Metrics
	Elapsed      time.Duration
}

// Target returns the probed address in host:port form.
func (r *Result) Target() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// HasAPISurface reports whether the target presented a model-server API at
// all: an enumerable model list (possibly empty) or an auth challenge.
// Scan workers only record targets that have one; dead ports and unrelated
// web servers stay out of the catalog.
func (r *Result) HasAPISurface() bool {
	return r.AuthRequired || r.Models != nil
}

// Config tunes per-step deadlines and the transport-retry policy. Zero
// values take the package defaults.
type Config struct {
	TagsTimeout         time.Duration
	GenerateTimeout     time.Duration
	SystemPromptTimeout time.Duration
	AuxTimeout          time.Duration
	RetryAttempts       int
	RetryDelay          time.Duration
}

func (c Config) withDefaults() Config {
	if c.TagsTimeout <= 0 {
		c.TagsTimeout = DefaultTagsTimeout
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = DefaultGenerateTimeout
	}
	if c.SystemPromptTimeout <= 0 {
		c.SystemPromptTimeout = DefaultSystemPromptTimeout
	}
	if c.AuxTimeout <= 0 {
		c.AuxTimeout = DefaultAuxTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	} else if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Client probes candidate endpoints over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient builds a probe client. The transport dials fresh hosts
// constantly, so idle pooling is kept small.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg.withDefaults(),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 15 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// Probe runs the full step sequence against (ip, port). It never returns an
// error: every failure mode is folded into the Result.
func (c *Client) Probe(ctx context.Context, ip string, port int) *Result {
	res := &Result{IP: ip, Port: port, APIType: APIUnknown}
	target := res.Target()
	base := "http://" + target

	started := time.Now()
	defer func() { res.Elapsed = time.Since(started) }()

	models, apiType, err := c.listModels(ctx, base, target)
	if err != nil {
		return res.fail(err)
	}
	res.APIType = apiType
	res.Models = models
	if len(models) == 0 {
		res.Status = StatusInvalid
		res.Reason = "No models advertised"
		return res
	}

	if apiType == APILocalAI {
		// LiteLLM-flavored endpoints only enumerate; the generation steps
		// are Ollama-specific.
		res.Status = StatusSuccess
		return res
	}

	selected := PickSmallestModel(models)
	res.SelectedModel = selected.Name

	gen, err := c.generateWithRetry(ctx, base, target, selected.Name)
	if err != nil {
		return res.fail(err)
	}
	res.GenerateText = gen.Response
	res.Metrics = metricsFrom(gen)

	if sys, err := c.systemGenerate(ctx, base, target, selected.Name); err == nil {
		res.SystemPromptText = sys.Response
	} else {
		log.Debug().Str("target", target).Err(err).Msg("System-prompt probe failed, continuing without it")
	}

	if version, err := c.fetchVersion(ctx, base, target); err == nil {
		res.APIVersion = version
	}
	if running, err := c.fetchProcesses(ctx, base, target); err == nil {
		res.RunningModels = running
	}

	res.Status = StatusSuccess
	return res
}

func (r *Result) fail(err error) *Result {
	r.Err = err
	r.Reason = reasonOf(err)
	switch apperrors.KindOf(err) {
	case apperrors.KindAuthRequired:
		r.Status = StatusAuthRequired
		r.AuthRequired = true
		r.Reason = "Authentication required"
	case apperrors.KindTransport:
		r.Status = StatusTransport
	default:
		r.Status = StatusInvalid
	}
	return r
}

func reasonOf(err error) string {
	var e *apperrors.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

func metricsFrom(gen *generateResponse) Metrics {
	m := Metrics{
		EvalCount:       gen.EvalCount,
		EvalDurationNS:  gen.EvalDuration,
		TotalDurationNS: gen.TotalDuration,
	}
	if gen.EvalCount > 0 && gen.EvalDuration > 0 {
		m.TokensPerSecond = float64(gen.EvalCount) / (float64(gen.EvalDuration) / 1e9)
	}
	return m
}

// retry runs step up to RetryAttempts extra times, pausing RetryDelay
// between tries. Only transport failures are retried.
func (c *Client) retry(ctx context.Context, step func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(c.cfg.RetryDelay):
			}
		}
		err := step(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if apperrors.KindOf(err) != apperrors.KindTransport || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

// listModels performs step one: the Ollama tag listing, falling back to the
// LiteLLM enumeration endpoints when /api/tags is absent.
func (c *Client) listModels(ctx context.Context, base, target string) ([]TagModel, string, error) {
	var models []TagModel
	err := c.retry(ctx, func(ctx context.Context) error {
		var stepErr error
		models, stepErr = c.fetchTags(ctx, base, target)
		return stepErr
	})
	if err == nil {
		return models, APIOllama, nil
	}
	if errors.Is(err, errTagsUnsupported) {
		if fallback, ferr := c.fetchOpenAIModels(ctx, base, target); ferr == nil {
			return fallback, APILocalAI, nil
		}
		return nil, APIUnknown, err
	}
	return nil, APIUnknown, err
}

func (c *Client) fetchTags(ctx context.Context, base, target string) ([]TagModel, error) {
	const op = "probe_tags"
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.TagsTimeout)
	defer cancel()

	body, status, err := c.get(stepCtx, base+"/api/tags")
	if err != nil {
		return nil, apperrors.Transport(op, target, stepFailure("Tags", c.cfg.TagsTimeout, err))
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, apperrors.AuthRequired(op, target, status)
	case status == http.StatusNotFound || status == http.StatusMethodNotAllowed:
		return nil, apperrors.Protocol(op, target, fmt.Errorf("Tags HTTP %d: %w", status, errTagsUnsupported))
	case status != http.StatusOK:
		return nil, apperrors.New(apperrors.KindProtocol, op, target,
			fmt.Errorf("Tags HTTP %d", status)).WithStatusCode(status)
	}

	var payload tagsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.Protocol(op, target, fmt.Errorf("Tags response unparseable: %w", err))
	}
	if payload.Models == nil {
		return nil, apperrors.Protocol(op, target, errors.New("Tags response missing models array"))
	}
	return *payload.Models, nil
}

// fetchOpenAIModels tries /v1/model/info then /v1/models; a 200 with a data
// array counts as model enumeration.
func (c *Client) fetchOpenAIModels(ctx context.Context, base, target string) ([]TagModel, error) {
	const op = "probe_openai_models"
	for _, path := range []string{"/v1/model/info", "/v1/models"} {
		stepCtx, cancel := context.WithTimeout(ctx, c.cfg.TagsTimeout)
		body, status, err := c.get(stepCtx, base+path)
		cancel()
		if err != nil {
			return nil, apperrors.Transport(op, target, stepFailure("Model listing", c.cfg.TagsTimeout, err))
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, apperrors.AuthRequired(op, target, status)
		}
		if status != http.StatusOK {
			continue
		}
		var payload openAIModelList
		if err := json.Unmarshal(body, &payload); err != nil {
			continue
		}
		models := make([]TagModel, 0, len(payload.Data))
		for _, entry := range payload.Data {
			name := entry.ModelName
			if name == "" {
				name = entry.ID
			}
			if name == "" {
				continue
			}
			models = append(models, TagModel{Name: name})
		}
		if len(models) > 0 {
			return models, nil
		}
	}
	return nil, apperrors.Protocol(op, target, errors.New("no model enumeration endpoint"))
}

func (c *Client) generateWithRetry(ctx context.Context, base, target, model string) (*generateResponse, error) {
	var gen *generateResponse
	err := c.retry(ctx, func(ctx context.Context) error {
		var stepErr error
		gen, stepErr = c.generate(ctx, base, target, model, "", c.cfg.GenerateTimeout)
		return stepErr
	})
	return gen, err
}

func (c *Client) systemGenerate(ctx context.Context, base, target, model string) (*generateResponse, error) {
	return c.generate(ctx, base, target, model, shortAnswerSystem, c.cfg.SystemPromptTimeout)
}

func (c *Client) generate(ctx context.Context, base, target, model, system string, timeout time.Duration) (*generateResponse, error) {
	const op = "probe_generate"
	label := "Generate"
	prompt := GreetingPrompt
	if system != "" {
		label = "System-prompt generate"
		prompt = shortAnswerPrompt
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(generateRequest{
		Model:     model,
		Prompt:    prompt,
		Stream:    false,
		MaxTokens: generateMaxTokens,
		System:    system,
	})
	if err != nil {
		return nil, apperrors.Protocol(op, target, err)
	}

	req, err := http.NewRequestWithContext(stepCtx, http.MethodPost, base+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Protocol(op, target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transport(op, target, stepFailure(label, timeout, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.Transport(op, target, stepFailure(label, timeout, err))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.AuthRequired(op, target, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.KindProtocol, op, target,
			fmt.Errorf("%s HTTP %d", label, resp.StatusCode)).WithStatusCode(resp.StatusCode)
	}

	var gen generateResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, apperrors.Protocol(op, target, fmt.Errorf("%s response unparseable: %w", label, err))
	}
	return &gen, nil
}

func (c *Client) fetchVersion(ctx context.Context, base, target string) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.AuxTimeout)
	defer cancel()

	body, status, err := c.get(stepCtx, base+"/api/version")
	if err != nil {
		return "", apperrors.Transport("probe_version", target, err)
	}
	if status != http.StatusOK {
		return "", apperrors.Protocol("probe_version", target, fmt.Errorf("Version HTTP %d", status))
	}
	var payload versionResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", apperrors.Protocol("probe_version", target, err)
	}
	return payload.Version, nil
}

func (c *Client) fetchProcesses(ctx context.Context, base, target string) ([]string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.AuxTimeout)
	defer cancel()

	body, status, err := c.get(stepCtx, base+"/api/ps")
	if err != nil {
		return nil, apperrors.Transport("probe_ps", target, err)
	}
	if status != http.StatusOK {
		return nil, apperrors.Protocol("probe_ps", target, fmt.Errorf("Process listing HTTP %d", status))
	}
	var payload psPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.Protocol("probe_ps", target, err)
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// stepFailure keeps probe reasons legible: timeouts carry the budget that
// expired, other transport faults keep their cause.
func stepFailure(label string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%s request timed out after %s", label, timeout)
	}
	return fmt.Errorf("%s request failed: %w", label, err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
