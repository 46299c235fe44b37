package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

const (
	shodanBaseURL  = "https://api.shodan.io"
	shodanPageSize = 100

	// Rate-limit responses back off 10s * attempt, at most three tries per
	// page.
	shodanRateLimitTries = 3
	shodanBackoffUnit    = 10 * time.Second
)

// shodanQueries is the fixed query set aimed at exposed Ollama instances.
var shodanQueries = []string{
	`product:"Ollama"`,
	`port:11434`,
	`http.html:"Ollama is running"`,
}

// ShodanSource pages through the Shodan search API. All its candidates are
// promising: the index already saw a model-server banner behind them.
type ShodanSource struct {
	APIKey      string
	BaseURL     string
	MaxPages    int
	BackoffUnit time.Duration

	httpClient *http.Client
}

// NewShodanSource builds a source with production paging limits.
func NewShodanSource(apiKey string) *ShodanSource {
	return &ShodanSource{
		APIKey:      apiKey,
		BaseURL:     shodanBaseURL,
		MaxPages:    10,
		BackoffUnit: shodanBackoffUnit,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *ShodanSource) Name() string { return "shodan" }

type shodanMatch struct {
	IPStr string `json:"ip_str"`
	Port  int    `json:"port"`
}

type shodanPage struct {
	Matches []shodanMatch `json:"matches"`
	Total   int           `json:"total"`
}

// Discover runs every query in turn. A failing query is logged and skipped;
// candidates are deduplicated by IP within a query, with extra ports
// attached to the first sighting.
func (s *ShodanSource) Discover(ctx context.Context, out chan<- Candidate) error {
	for _, query := range shodanQueries {
		if err := s.runQuery(ctx, query, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Str("source", s.Name()).Str("query", query).Err(err).
				Msg("Query aborted, moving to next")
		}
	}
	return nil
}

func (s *ShodanSource) runQuery(ctx context.Context, query string, out chan<- Candidate) error {
	seen := make(map[string]int)
	var candidates []Candidate

	for page := 1; page <= s.MaxPages; page++ {
		result, err := s.fetchPage(ctx, query, page)
		if err != nil {
			return err
		}
		if len(result.Matches) == 0 {
			break
		}
		for _, m := range result.Matches {
			if m.IPStr == "" || m.Port <= 0 {
				continue
			}
			if idx, ok := seen[m.IPStr]; ok {
				c := &candidates[idx]
				if m.Port != c.PrimaryPort && !containsPort(c.AdditionalPorts, m.Port) {
					c.AdditionalPorts = append(c.AdditionalPorts, m.Port)
				}
				continue
			}
			seen[m.IPStr] = len(candidates)
			candidates = append(candidates, Candidate{
				IP:          m.IPStr,
				PrimaryPort: m.Port,
				Promising:   true,
				Origin:      s.Name(),
			})
		}
		if page*shodanPageSize >= result.Total {
			break
		}
	}

	log.Info().Str("source", s.Name()).Str("query", query).Int("candidates", len(candidates)).
		Msg("Query complete")
	for _, c := range candidates {
		if err := emit(ctx, out, c); err != nil {
			return err
		}
	}
	return nil
}

// fetchPage retries rate-limited pages with linear backoff; any other
// failure surfaces immediately.
func (s *ShodanSource) fetchPage(ctx context.Context, query string, page int) (*shodanPage, error) {
	const op = "shodan_search"

	for attempt := 1; ; attempt++ {
		endpoint := fmt.Sprintf("%s/shodan/host/search?key=%s&query=%s&page=%d",
			s.BaseURL, url.QueryEscape(s.APIKey), url.QueryEscape(query), page)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, apperrors.Protocol(op, s.BaseURL, err)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, apperrors.Transport(op, s.BaseURL, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, apperrors.Transport(op, s.BaseURL, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if attempt >= shodanRateLimitTries {
				return nil, apperrors.New(apperrors.KindTransport, op, s.BaseURL,
					fmt.Errorf("rate limited after %d attempts", attempt)).WithStatusCode(resp.StatusCode)
			}
			wait := time.Duration(attempt) * s.BackoffUnit
			log.Debug().Str("source", s.Name()).Int("page", page).Dur("wait", wait).
				Msg("Rate limited, backing off")
			if err := sleepFor(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, apperrors.New(apperrors.KindProtocol, op, s.BaseURL,
				fmt.Errorf("search HTTP %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
		}

		var result shodanPage
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, apperrors.Protocol(op, s.BaseURL, fmt.Errorf("page %d unparseable: %w", page, err))
		}
		return &result, nil
	}
}

func containsPort(ports []int, port int) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}
