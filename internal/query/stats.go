package query

import (
	"context"
	"database/sql"

	"github.com/tt1a44a/modelnet/internal/catalog"
)

const topModelLimit = 10

// ModelCount pairs a model name with the number of endpoints hosting it.
type ModelCount struct {
	Name  string
	Hosts int
}

// Statistics is the aggregate view over the whole catalog.
type Statistics struct {
	Endpoints      int
	Active         int
	Honeypots      int
	AuthRequired   int
	Verified       int
	Models         int
	DistinctModels int
	ByAPIType      map[string]int
	TopModels      []ModelCount
	ParameterSizes map[string]int
	Quantizations  map[string]int
}

// Statistics computes the aggregate view. Each aggregate is its own read;
// a verifier committing between them can skew totals by the rows it wrote,
// which the view tolerates.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		ByAPIType:      make(map[string]int),
		ParameterSizes: make(map[string]int),
		Quantizations:  make(map[string]int),
	}

	err := s.store.FetchOne(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_active = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_honeypot = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN auth_required = ? THEN 1 ELSE 0 END), 0)
		FROM endpoints`,
		[]any{true, true, true},
		&stats.Endpoints, &stats.Active, &stats.Honeypots, &stats.AuthRequired)
	if err != nil {
		return nil, err
	}

	err = s.store.FetchOne(ctx, `SELECT COUNT(*) FROM verified_endpoints`, nil, &stats.Verified)
	if err != nil {
		return nil, err
	}

	err = s.store.FetchOne(ctx, `SELECT COUNT(*), COUNT(DISTINCT name) FROM models`, nil,
		&stats.Models, &stats.DistinctModels)
	if err != nil {
		return nil, err
	}

	// NULL and literal 'unknown' api types land in the same bucket.
	err = s.store.FetchAll(ctx, `
		SELECT COALESCE(api_type, ?), COUNT(*) FROM endpoints GROUP BY api_type`,
		[]any{catalog.APITypeUnknown},
		func(rows *sql.Rows) error {
			var (
				apiType string
				n       int
			)
			if err := rows.Scan(&apiType, &n); err != nil {
				return err
			}
			stats.ByAPIType[apiType] += n
			return nil
		})
	if err != nil {
		return nil, err
	}

	err = s.store.FetchAll(ctx, `
		SELECT m.name, COUNT(DISTINCT m.endpoint_id) AS hosts
		FROM models m
		JOIN endpoints e ON e.id = m.endpoint_id
		WHERE e.is_active = ? AND e.is_honeypot = ?
		GROUP BY m.name
		ORDER BY hosts DESC, m.name ASC
		LIMIT ?`,
		[]any{true, false, topModelLimit},
		func(rows *sql.Rows) error {
			var mc ModelCount
			if err := rows.Scan(&mc.Name, &mc.Hosts); err != nil {
				return err
			}
			stats.TopModels = append(stats.TopModels, mc)
			return nil
		})
	if err != nil {
		return nil, err
	}

	if err := s.histogram(ctx, "parameter_size", stats.ParameterSizes); err != nil {
		return nil, err
	}
	if err := s.histogram(ctx, "quantization_level", stats.Quantizations); err != nil {
		return nil, err
	}
	return stats, nil
}

// histogram buckets a nullable models column after case folding. column is
// one of two fixed identifiers, never user input.
func (s *Service) histogram(ctx context.Context, column string, out map[string]int) error {
	return s.store.FetchAll(ctx,
		`SELECT COALESCE(UPPER(`+column+`), 'unknown'), COUNT(*) FROM models GROUP BY 1`,
		nil,
		func(rows *sql.Rows) error {
			var (
				bucket string
				n      int
			)
			if err := rows.Scan(&bucket, &n); err != nil {
				return err
			}
			out[bucket] += n
			return nil
		})
}
