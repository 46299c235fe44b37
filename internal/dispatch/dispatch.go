// Package dispatch resolves model selectors against the catalog and
// forwards chat requests to the chosen endpoints. It never changes
// verification state; a failing endpoint stays whatever the verifier last
// said it was.
package dispatch

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
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tt1a44a/modelnet/internal/catalog"
	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

// DefaultChatTimeout bounds one interactive forward end to end. Interactive
// use gets a flat deadline, not the adaptive probe curve.
const DefaultChatTimeout = 60 * time.Second

const maxBodyBytes = 4 << 20

// Target is a resolved (model, endpoint) pair ready to receive a chat.
type Target struct {
	ModelID    int64
	ModelName  string
	EndpointID int64
	IP         string
	Port       int
	APIType    string
	VerifiedAt time.Time
}

func (t *Target) Address() string {
	return net.JoinHostPort(t.IP, strconv.Itoa(t.Port))
}

// Request carries one chat forward.
type Request struct {
	Selector     string
	UserID       string
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	SaveHistory  bool
}

// Reply is one completed forward.
type Reply struct {
	Target         *Target
	Content        string
	EvalCount      int64
	EvalDurationNS int64
	Elapsed        time.Duration
	HistoryID      int64
}

// TokensPerSecond derives generation speed from the endpoint's own timing.
// Zero when the endpoint reported no counters.
func (r *Reply) TokensPerSecond() float64 {
	if r.EvalCount <= 0 || r.EvalDurationNS <= 0 {
		return 0
	}
	return float64(r.EvalCount) / (float64(r.EvalDurationNS) / 1e9)
}

// Service is the routing surface used by the command front-end.
type Service struct {
	store   *catalog.Store
	client  *http.Client
	timeout time.Duration
}

func New(store *catalog.Store) *Service {
	return NewWithTimeout(store, DefaultChatTimeout)
}

func NewWithTimeout(store *catalog.Store, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultChatTimeout
	}
	return &Service{
		store:   store,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

const resolveQuery = `
	SELECT m.id, m.name, e.id, e.ip, e.port, e.api_type, v.verification_date
	FROM models m
	JOIN endpoints e ON e.id = m.endpoint_id
	JOIN verified_endpoints v ON v.endpoint_id = e.id
	WHERE e.is_honeypot = ? AND e.is_active = ?`

// Resolve maps a selector (numeric model id or name substring) to the most
// recently verified endpoint hosting it. Honeypots and inactive endpoints
// never resolve.
func (s *Service) Resolve(ctx context.Context, selector string) (*Target, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, apperrors.NotFound("resolve_model", selector)
	}

	var (
		stmt string
		args []any
	)
	if id, err := strconv.ParseInt(selector, 10, 64); err == nil {
		stmt = resolveQuery + ` AND m.id = ?`
		args = []any{false, true, id}
	} else {
		stmt = resolveQuery + ` AND LOWER(m.name) LIKE ?
	ORDER BY v.verification_date DESC
	LIMIT 1`
		args = []any{false, true, "%" + strings.ToLower(selector) + "%"}
	}

	target := &Target{}
	var verifiedMilli int64
	err := s.store.FetchOne(ctx, stmt, args,
		&target.ModelID, &target.ModelName, &target.EndpointID,
		&target.IP, &target.Port, &target.APIType, &verifiedMilli)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NotFound("resolve_model", selector)
		}
		return nil, err
	}
	target.VerifiedAt = time.UnixMilli(verifiedMilli).UTC()

	log.Debug().Str("selector", selector).Str("model", target.ModelName).
		Str("endpoint", target.Address()).Msg("Model resolved")
	return target, nil
}

// Chat resolves and forwards in one call.
func (s *Service) Chat(ctx context.Context, req Request) (*Reply, error) {
	target, err := s.Resolve(ctx, req.Selector)
	if err != nil {
		return nil, err
	}
	return s.Forward(ctx, target, req)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Options  chatOptions   `json:"options"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	EvalCount    int64 `json:"eval_count"`
	EvalDuration int64 `json:"eval_duration"`
}

// Forward posts one non-streaming chat to the target and returns the
// parsed reply. When the request asks for history, the record lands in its
// own transaction after the forward; a history failure does not void the
// reply.
func (s *Service) Forward(ctx context.Context, target *Target, req Request) (*Reply, error) {
	const op = "dispatch_chat"
	endpoint := fmt.Sprintf("http://%s/api/chat", target.Address())

	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(chatRequest{
		Model:    target.ModelName,
		Messages: messages,
		Options:  chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
		Stream:   false,
	})
	if err != nil {
		return nil, apperrors.Protocol(op, endpoint, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Protocol(op, endpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, apperrors.Transport(op, endpoint,
				fmt.Errorf("Timeout after %s", s.timeout))
		}
		return nil, apperrors.Transport(op, endpoint, err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	resp.Body.Close()
	if err != nil {
		if isTimeout(err) {
			return nil, apperrors.Transport(op, endpoint,
				fmt.Errorf("Timeout after %s", s.timeout))
		}
		return nil, apperrors.Transport(op, endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperrors.AuthRequired(op, endpoint, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, apperrors.New(apperrors.KindProtocol, op, endpoint,
			fmt.Errorf("chat HTTP %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.Protocol(op, endpoint, fmt.Errorf("chat response unparseable: %w", err))
	}

	reply := &Reply{
		Target:         target,
		Content:        parsed.Message.Content,
		EvalCount:      parsed.EvalCount,
		EvalDurationNS: parsed.EvalDuration,
		Elapsed:        time.Since(started),
	}

	if req.SaveHistory {
		reply.HistoryID = s.saveHistory(ctx, target, req, reply)
	}

	log.Info().Str("model", target.ModelName).Str("endpoint", target.Address()).
		Dur("elapsed", reply.Elapsed).Int64("eval_count", reply.EvalCount).
		Msg("Chat forwarded")
	return reply, nil
}

func (s *Service) saveHistory(ctx context.Context, target *Target, req Request, reply *Reply) int64 {
	rec := &catalog.ChatRecord{
		UserID:      req.UserID,
		ModelID:     target.ModelID,
		Prompt:      req.Prompt,
		Response:    reply.Content,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Timestamp:   time.Now().UTC(),
	}
	if req.SystemPrompt != "" {
		rec.SystemPrompt = &req.SystemPrompt
	}
	if reply.EvalCount > 0 {
		rec.EvalCount = &reply.EvalCount
	}
	if reply.EvalDurationNS > 0 {
		rec.EvalDuration = &reply.EvalDurationNS
	}

	id, err := s.store.SaveChatRecord(ctx, rec)
	if err != nil {
		log.Warn().Str("model", target.ModelName).Err(err).Msg("Chat history write failed")
		return 0
	}
	return id
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
