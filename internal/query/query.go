// Package query provides the read-only views the command front-end renders:
// endpoint and model listings, per-endpoint detail, aggregate statistics,
// and database health. It never writes. Reads run without snapshots;
// concurrent verifier commits surface whole or not at all, never as a
// partial row.
package query

import (
	"context"
	"database/sql"
	"time"

	"github.com/tt1a44a/modelnet/internal/catalog"
	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

const defaultHistoryLimit = 5

// Service is the read surface shared by the CLI and any future front-end.
type Service struct {
	store *catalog.Store
}

func New(store *catalog.Store) *Service {
	return &Service{store: store}
}

// Endpoints lists endpoints matching the filter.
func (s *Service) Endpoints(ctx context.Context, filter catalog.EndpointFilter) ([]*catalog.Endpoint, error) {
	return s.store.ListEndpoints(ctx, filter)
}

// EndpointDetail is the joined projection for one endpoint: its row, the
// usable-endpoint marker when present, hosted models, the latest benchmark
// when one exists, and the newest verification history entries.
type EndpointDetail struct {
	Endpoint           *catalog.Endpoint
	VerifiedAt         *time.Time
	VerificationMethod *string
	VerifiedBy         *string
	Models             []*catalog.Model
	LatestBenchmark    *catalog.BenchmarkResult
	History            []*catalog.Verification
}

// EndpointDetail assembles the detail view. historyLimit bounds the history
// tail; zero means a small default. A missing endpoint id is a not-found
// outcome; a missing benchmark or verified marker is not.
func (s *Service) EndpointDetail(ctx context.Context, endpointID int64, historyLimit int) (*EndpointDetail, error) {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	endpoint, err := s.store.EndpointByID(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	detail := &EndpointDetail{Endpoint: endpoint}

	var (
		verifiedMilli int64
		method        sql.NullString
		verifiedBy    sql.NullString
	)
	err = s.store.FetchOne(ctx, `
		SELECT verification_date, verification_method, verified_by
		FROM verified_endpoints WHERE endpoint_id = ?`,
		[]any{endpointID}, &verifiedMilli, &method, &verifiedBy)
	switch {
	case err == nil:
		at := time.UnixMilli(verifiedMilli).UTC()
		detail.VerifiedAt = &at
		if method.Valid {
			m := method.String
			detail.VerificationMethod = &m
		}
		if verifiedBy.Valid {
			b := verifiedBy.String
			detail.VerifiedBy = &b
		}
	case !apperrors.IsNotFound(err):
		return nil, err
	}

	if detail.Models, err = s.store.ModelsByEndpoint(ctx, endpointID); err != nil {
		return nil, err
	}

	bench, err := s.store.LatestBenchmark(ctx, endpointID)
	if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}
	detail.LatestBenchmark = bench

	if detail.History, err = s.store.VerificationHistory(ctx, endpointID, historyLimit); err != nil {
		return nil, err
	}
	return detail, nil
}
