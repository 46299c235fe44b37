package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

// GenerateOptions shapes one caller-driven generation round. A zero Timeout
// falls back to the client's generate deadline.
type GenerateOptions struct {
	Prompt    string
	MaxTokens int
	Timeout   time.Duration
}

// GenerateResult is the parsed outcome of one generation round.
type GenerateResult struct {
	Response       string
	EvalCount      int64
	EvalDurationNS int64
	Elapsed        time.Duration
}

// Generate runs one non-streaming generation with the caller's prompt and
// budget. The benchmark runner drives this; verification uses its fixed
// probe sequence instead.
func (c *Client) Generate(ctx context.Context, ip string, port int, model string, opts GenerateOptions) (*GenerateResult, error) {
	const op = "generate"
	target := net.JoinHostPort(ip, strconv.Itoa(port))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.GenerateTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(generateRequest{
		Model:     model,
		Prompt:    opts.Prompt,
		Stream:    false,
		MaxTokens: opts.MaxTokens,
	})
	if err != nil {
		return nil, apperrors.Protocol(op, target, err)
	}

	req, err := http.NewRequestWithContext(stepCtx, http.MethodPost, "http://"+target+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Protocol(op, target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transport(op, target, stepFailure("Generate", timeout, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.Transport(op, target, stepFailure("Generate", timeout, err))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.AuthRequired(op, target, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.KindProtocol, op, target,
			fmt.Errorf("Generate HTTP %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
	}

	var gen generateResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, apperrors.Protocol(op, target, fmt.Errorf("Generate response unparseable: %w", err))
	}
	return &GenerateResult{
		Response:       gen.Response,
		EvalCount:      gen.EvalCount,
		EvalDurationNS: gen.EvalDuration,
		Elapsed:        time.Since(started),
	}, nil
}
