package query

import (
	"context"
	"database/sql"

	"github.com/tt1a44a/modelnet/internal/catalog"
)

// healthTables is the fixed set of tables the health view counts.
var healthTables = []string{
	"endpoints",
	"verified_endpoints",
	"models",
	"endpoint_verifications",
	"benchmark_results",
	"chat_history",
	"metadata",
}

// TableCount is one table's row count.
type TableCount struct {
	Table string
	Rows  int64
}

// Health reports storage-level state: per-table row counts, on-disk size,
// and index usage where the backend tracks it.
type Health struct {
	Dialect    string
	SizeBytes  int64
	Tables     []TableCount
	IndexScans map[string]int64
}

// Health collects the database health view. Index-scan counters exist only
// on PostgreSQL; SQLite deployments get a nil map.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	h := &Health{Dialect: s.store.Dialect().String()}

	for _, table := range healthTables {
		var rows int64
		if err := s.store.FetchOne(ctx, `SELECT COUNT(*) FROM `+table, nil, &rows); err != nil {
			return nil, err
		}
		h.Tables = append(h.Tables, TableCount{Table: table, Rows: rows})
	}

	sizeStmt := `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`
	if s.store.Dialect() == catalog.DialectPostgres {
		sizeStmt = `SELECT pg_database_size(current_database())`
	}
	if err := s.store.FetchOne(ctx, sizeStmt, nil, &h.SizeBytes); err != nil {
		return nil, err
	}

	if s.store.Dialect() == catalog.DialectPostgres {
		h.IndexScans = make(map[string]int64)
		err := s.store.FetchAll(ctx,
			`SELECT indexrelname, COALESCE(idx_scan, 0) FROM pg_stat_user_indexes`,
			nil,
			func(rows *sql.Rows) error {
				var (
					index string
					scans int64
				)
				if err := rows.Scan(&index, &scans); err != nil {
					return err
				}
				h.IndexScans[index] = scans
				return nil
			})
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}
