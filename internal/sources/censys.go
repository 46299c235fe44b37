package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

const (
	censysBaseURL  = "https://search.censys.io"
	censysPageSize = 100

	censysRateLimitTries = 3
	censysBackoffUnit    = 10 * time.Second

	// ollamaBanner is the body every stock Ollama instance serves on "/".
	ollamaBanner = "ollama is running"
)

var censysQueries = []string{
	`services.http.response.body: "Ollama is running"`,
	`services.port: 11434 and services.service_name: "HTTP"`,
}

// CensysSource pages through a Censys-style host search API using basic
// auth and cursor pagination.
type CensysSource struct {
	APIID       string
	APISecret   string
	BaseURL     string
	MaxPages    int
	BackoffUnit time.Duration

	httpClient *http.Client
}

func NewCensysSource(apiID, apiSecret string) *CensysSource {
	return &CensysSource{
		APIID:       apiID,
		APISecret:   apiSecret,
		BaseURL:     censysBaseURL,
		MaxPages:    10,
		BackoffUnit: censysBackoffUnit,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *CensysSource) Name() string { return "censys" }

type censysService struct {
	Port   int    `json:"port"`
	Banner string `json:"banner"`
}

type censysHit struct {
	IP       string          `json:"ip"`
	Services []censysService `json:"services"`
}

type censysPage struct {
	Result struct {
		Hits  []censysHit `json:"hits"`
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	} `json:"result"`
}

func (c *CensysSource) Discover(ctx context.Context, out chan<- Candidate) error {
	for _, query := range censysQueries {
		if err := c.runQuery(ctx, query, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Str("source", c.Name()).Str("query", query).Err(err).
				Msg("Query aborted, moving to next")
		}
	}
	return nil
}

func (c *CensysSource) runQuery(ctx context.Context, query string, out chan<- Candidate) error {
	seen := make(map[string]bool)
	emitted := 0
	cursor := ""

	for page := 1; page <= c.MaxPages; page++ {
		result, err := c.fetchPage(ctx, query, cursor)
		if err != nil {
			return err
		}
		for _, hit := range result.Result.Hits {
			if hit.IP == "" || seen[hit.IP] {
				continue
			}
			seen[hit.IP] = true

			primary, extra := pickCensysPorts(hit.Services)
			if primary == 0 {
				continue
			}
			if err := emit(ctx, out, Candidate{
				IP:              hit.IP,
				PrimaryPort:     primary,
				AdditionalPorts: extra,
				Promising:       true,
				Origin:          c.Name(),
			}); err != nil {
				return err
			}
			emitted++
		}
		cursor = result.Result.Links.Next
		if cursor == "" || len(result.Result.Hits) == 0 {
			break
		}
	}

	log.Info().Str("source", c.Name()).Str("query", query).Int("candidates", emitted).
		Msg("Query complete")
	return nil
}

// pickCensysPorts orders a hit's services: a port whose banner shows the
// Ollama greeting wins, then 11434, then the first port observed. The
// remaining ports ride along for the scanner's ladder.
func pickCensysPorts(services []censysService) (int, []int) {
	primary := 0
	for _, svc := range services {
		if svc.Port > 0 && strings.Contains(strings.ToLower(svc.Banner), ollamaBanner) {
			primary = svc.Port
			break
		}
	}
	if primary == 0 {
		for _, svc := range services {
			if svc.Port == 11434 {
				primary = svc.Port
				break
			}
		}
	}
	if primary == 0 {
		for _, svc := range services {
			if svc.Port > 0 {
				primary = svc.Port
				break
			}
		}
	}
	if primary == 0 {
		return 0, nil
	}

	var extra []int
	for _, svc := range services {
		if svc.Port > 0 && svc.Port != primary && !containsPort(extra, svc.Port) {
			extra = append(extra, svc.Port)
		}
	}
	return primary, extra
}

func (c *CensysSource) fetchPage(ctx context.Context, query, cursor string) (*censysPage, error) {
	const op = "censys_search"

	payload, err := json.Marshal(map[string]any{
		"q":        query,
		"per_page": censysPageSize,
		"cursor":   cursor,
	})
	if err != nil {
		return nil, apperrors.Protocol(op, c.BaseURL, err)
	}

	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.BaseURL+"/api/v2/hosts/search", bytes.NewReader(payload))
		if err != nil {
			return nil, apperrors.Protocol(op, c.BaseURL, err)
		}
		req.SetBasicAuth(c.APIID, c.APISecret)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, apperrors.Transport(op, c.BaseURL, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, apperrors.Transport(op, c.BaseURL, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if attempt >= censysRateLimitTries {
				return nil, apperrors.New(apperrors.KindTransport, op, c.BaseURL,
					fmt.Errorf("rate limited after %d attempts", attempt)).WithStatusCode(resp.StatusCode)
			}
			if err := sleepFor(ctx, time.Duration(attempt)*c.BackoffUnit); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, apperrors.New(apperrors.KindProtocol, op, c.BaseURL,
				fmt.Errorf("search HTTP %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
		}

		var result censysPage
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, apperrors.Protocol(op, c.BaseURL, fmt.Errorf("page unparseable: %w", err))
		}
		return &result, nil
	}
}
