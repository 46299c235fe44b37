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

	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

// MeasureFirstToken issues a streaming generation against (ip, port) and
// returns the seconds elapsed until the first body chunk arrives. The rest
// of the stream is abandoned. Used by the benchmark runner; verification
// never calls this.
func (c *Client) MeasureFirstToken(ctx context.Context, ip string, port int, model string) (float64, error) {
	const op = "probe_first_token"
	target := net.JoinHostPort(ip, strconv.Itoa(port))

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
	defer cancel()

	payload, err := json.Marshal(generateRequest{
		Model:     model,
		Prompt:    GreetingPrompt,
		Stream:    true,
		MaxTokens: generateMaxTokens,
	})
	if err != nil {
		return 0, apperrors.Protocol(op, target, err)
	}

	req, err := http.NewRequestWithContext(stepCtx, http.MethodPost, "http://"+target+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return 0, apperrors.Protocol(op, target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperrors.Transport(op, target, stepFailure("Streaming generate", c.cfg.GenerateTimeout, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return 0, apperrors.AuthRequired(op, target, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, apperrors.Protocol(op, target, fmt.Errorf("Streaming generate HTTP %d", resp.StatusCode))
	}

	buf := make([]byte, 1)
	n, err := resp.Body.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return 0, apperrors.Protocol(op, target, errors.New("stream closed before first chunk"))
		}
		return 0, apperrors.Transport(op, target, stepFailure("Streaming generate", c.cfg.GenerateTimeout, err))
	}
	return time.Since(started).Seconds(), nil
}
