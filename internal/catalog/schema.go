package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

// schemaVersion is recorded under metadata key "schema_version". Upgrades
// append a "schema_update_{n}" breadcrumb per applied step.
const schemaVersion = 1

func (s *Store) initSchema(ctx context.Context) error {
	err := s.Transaction(ctx, func(tx *Tx) error {
		for _, stmt := range schemaStatements(s.dialect) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return tx.ensureSchemaVersion(ctx)
	})
	if err != nil {
		return fmt.Errorf("initialize catalog schema: %w", err)
	}
	return nil
}

func (t *Tx) ensureSchemaVersion(ctx context.Context) error {
	var stored int
	err := t.FetchOne(ctx,
		`SELECT CAST(value AS INTEGER) FROM metadata WHERE key = 'schema_version'`, nil, &stored)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			return err
		}
		return t.setMetadata(ctx, "schema_version", fmt.Sprintf("%d", schemaVersion))
	}

	if stored > schemaVersion {
		return apperrors.Config("schema_check",
			fmt.Errorf("database schema version %d is newer than supported %d", stored, schemaVersion))
	}
	for v := stored + 1; v <= schemaVersion; v++ {
		log.Info().Int("from", v-1).Int("to", v).Msg("Applying catalog schema update")
		if err := t.setMetadata(ctx, fmt.Sprintf("schema_update_%d", v),
			time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		if err := t.setMetadata(ctx, "schema_version", fmt.Sprintf("%d", v)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) setMetadata(ctx context.Context, key, value string) error {
	_, err := t.Exec(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toMilli(time.Now()))
	return err
}

// schemaStatements returns the DDL for the active dialect. Timestamps are
// BIGINT Unix milliseconds in both backends so ordering and comparison
// behave identically.
func schemaStatements(d Dialect) []string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	boolType := "INTEGER"
	falseLit := "0"
	trueLit := "1"
	if d == DialectPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
		boolType = "BOOLEAN"
		falseLit = "FALSE"
		trueLit = "TRUE"
	}

	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS endpoints (
			id %[1]s,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			api_type TEXT NOT NULL DEFAULT 'unknown',
			api_version TEXT,
			capabilities TEXT NOT NULL DEFAULT '[]',
			auth_required %[2]s NOT NULL DEFAULT %[3]s,
			scan_date BIGINT,
			last_check_date BIGINT,
			verification_date BIGINT,
			verified INTEGER NOT NULL DEFAULT 0,
			is_active %[2]s NOT NULL DEFAULT %[4]s,
			inactive_reason TEXT,
			is_honeypot %[2]s NOT NULL DEFAULT %[3]s,
			honeypot_reason TEXT,
			added_by TEXT,
			description TEXT,
			UNIQUE (ip, port)
		)`, pk, boolType, falseLit, trueLit),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS verified_endpoints (
			id %[1]s,
			endpoint_id BIGINT NOT NULL UNIQUE REFERENCES endpoints(id) ON DELETE CASCADE,
			verification_date BIGINT NOT NULL,
			verification_method TEXT,
			verified_by TEXT
		)`, pk),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS models (
			id %[1]s,
			endpoint_id BIGINT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			parameter_size TEXT,
			quantization_level TEXT,
			size_mb DOUBLE PRECISION,
			model_type TEXT,
			capabilities TEXT,
			UNIQUE (endpoint_id, name)
		)`, pk),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS endpoint_verifications (
			id %[1]s,
			endpoint_id BIGINT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			verification_date BIGINT NOT NULL,
			response_sample TEXT,
			detected_models TEXT NOT NULL DEFAULT '[]',
			is_honeypot %[2]s NOT NULL DEFAULT %[3]s,
			response_metrics TEXT NOT NULL DEFAULT '{}',
			UNIQUE (endpoint_id, verification_date)
		)`, pk, boolType, falseLit),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS benchmark_results (
			id %[1]s,
			endpoint_id BIGINT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			model_id BIGINT REFERENCES models(id) ON DELETE SET NULL,
			test_date BIGINT NOT NULL,
			avg_response_time DOUBLE PRECISION,
			tokens_per_second DOUBLE PRECISION,
			first_token_latency DOUBLE PRECISION,
			throughput_tokens DOUBLE PRECISION,
			throughput_time DOUBLE PRECISION,
			context_500_tps DOUBLE PRECISION,
			context_1000_tps DOUBLE PRECISION,
			context_2000_tps DOUBLE PRECISION,
			max_concurrent_requests INTEGER,
			concurrency_success_rate DOUBLE PRECISION,
			concurrency_avg_time DOUBLE PRECISION,
			success_rate DOUBLE PRECISION
		)`, pk),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS chat_history (
			id %[1]s,
			user_id TEXT NOT NULL,
			model_id BIGINT NOT NULL REFERENCES models(id),
			prompt TEXT NOT NULL,
			system_prompt TEXT,
			response TEXT NOT NULL DEFAULT '',
			temperature DOUBLE PRECISION NOT NULL,
			max_tokens INTEGER NOT NULL,
			timestamp BIGINT NOT NULL,
			eval_count BIGINT,
			eval_duration BIGINT
		)`, pk),

		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at BIGINT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_endpoints_ip ON endpoints(ip)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_verified ON endpoints(verified)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_api_type ON endpoints(api_type)`,
		`CREATE INDEX IF NOT EXISTS idx_models_endpoint ON models(endpoint_id)`,
		`CREATE INDEX IF NOT EXISTS idx_models_name ON models(name)`,
		`CREATE INDEX IF NOT EXISTS idx_verifications_endpoint ON endpoint_verifications(endpoint_id, verification_date)`,
		`CREATE INDEX IF NOT EXISTS idx_benchmarks_endpoint ON benchmark_results(endpoint_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_history_user ON chat_history(user_id)`,
	}
}
