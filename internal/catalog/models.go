package catalog

import (
	"context"
	"database/sql"
	"math"
	"regexp"
	"strings"
	"time"
)

// sizeToleranceMB keeps reconciliation from churning on rounding noise in
// reported model sizes.
const sizeToleranceMB = 0.1

// Tag listings often omit details; parameter size and quantization are then
// recovered from the model name ("llama3:8b-instruct-q4_K_M").
var (
	paramSizePattern = regexp.MustCompile(`(?i)(?:^|[-_:./ ])(\d+(?:\.\d+)?)([bm])(?:[-_:./ ]|$)`)
	quantPattern     = regexp.MustCompile(`(?i)(?:^|[-_:./ ])(q\d(?:_[a-z0-9]+){0,2}|fp16|f16|f32|int8|int4)(?:[-_:./ ]|$)`)
)

// InferParameterSize extracts a "7B"-style parameter count from a model
// name, or nil when the name carries none.
func InferParameterSize(name string) *string {
	m := paramSizePattern.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	v := strings.ToUpper(m[1] + m[2])
	return &v
}

// InferQuantization extracts a "Q4_K_M"-style quantization level from a
// model name, or nil when the name carries none.
func InferQuantization(name string) *string {
	m := quantPattern.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	v := strings.ToUpper(m[1])
	return &v
}

// ReconcileStats reports what a reconciliation changed.
type ReconcileStats struct {
	Added   int
	Updated int
	Removed int
}

// ReconcileModels makes the stored model set for an endpoint match the
// probe's observed set: add missing, update changed, remove absent. Runs
// inside the verifier's transaction so readers see either the old set or
// the new set, never a mix.
func (t *Tx) ReconcileModels(ctx context.Context, endpointID int64, observed []ObservedModel) (ReconcileStats, error) {
	var stats ReconcileStats

	stored := make(map[string]*Model)
	err := t.FetchAll(ctx, `
		SELECT id, name, parameter_size, quantization_level, size_mb
		FROM models WHERE endpoint_id = ?`,
		[]any{endpointID},
		func(rows *sql.Rows) error {
			var (
				m      Model
				params sql.NullString
				quant  sql.NullString
				sizeMB sql.NullFloat64
			)
			if err := rows.Scan(&m.ID, &m.Name, &params, &quant, &sizeMB); err != nil {
				return err
			}
			m.ParameterSize = strPtr(params)
			m.QuantizationLevel = strPtr(quant)
			m.SizeMB = floatPtr(sizeMB)
			stored[m.Name] = &m
			return nil
		})
	if err != nil {
		return stats, err
	}

	seen := make(map[string]bool, len(observed))
	for _, om := range observed {
		if om.Name == "" || seen[om.Name] {
			continue
		}
		seen[om.Name] = true

		params := om.ParameterSize
		if params == nil {
			params = InferParameterSize(om.Name)
		}
		quant := om.QuantizationLevel
		if quant == nil {
			quant = InferQuantization(om.Name)
		}

		cur, exists := stored[om.Name]
		if !exists {
			_, err := t.Exec(ctx, `
				INSERT INTO models (endpoint_id, name, parameter_size, quantization_level, size_mb)
				VALUES (?, ?, ?, ?, ?)`,
				endpointID, om.Name, params, quant, om.SizeMB)
			if err != nil {
				return stats, err
			}
			stats.Added++
			continue
		}
		if !strPtrEqual(cur.ParameterSize, params) ||
			!strPtrEqual(cur.QuantizationLevel, quant) ||
			!sizeClose(cur.SizeMB, om.SizeMB) {
			_, err := t.Exec(ctx, `
				UPDATE models SET parameter_size = ?, quantization_level = ?, size_mb = ?
				WHERE id = ?`,
				params, quant, om.SizeMB, cur.ID)
			if err != nil {
				return stats, err
			}
			stats.Updated++
		}
	}

	for name, cur := range stored {
		if seen[name] {
			continue
		}
		if _, err := t.Exec(ctx, `DELETE FROM models WHERE id = ?`, cur.ID); err != nil {
			return stats, err
		}
		stats.Removed++
	}
	return stats, nil
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sizeClose(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return math.Abs(*a-*b) <= sizeToleranceMB
}

const modelColumns = `id, endpoint_id, name, parameter_size, quantization_level, size_mb, model_type, capabilities`

func scanModel(row interface{ Scan(...any) error }) (*Model, error) {
	var (
		m         Model
		params    sql.NullString
		quant     sql.NullString
		sizeMB    sql.NullFloat64
		modelType sql.NullString
		caps      sql.NullString
	)
	err := row.Scan(&m.ID, &m.EndpointID, &m.Name, &params, &quant, &sizeMB, &modelType, &caps)
	if err != nil {
		return nil, err
	}
	m.ParameterSize = strPtr(params)
	m.QuantizationLevel = strPtr(quant)
	m.SizeMB = floatPtr(sizeMB)
	m.ModelType = strPtr(modelType)
	m.Capabilities = strPtr(caps)
	return &m, nil
}

// ModelByID loads one model row.
func (s *Store) ModelByID(ctx context.Context, id int64) (*Model, error) {
	var m *Model
	err := s.fetchRow(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = ?`,
		[]any{id},
		func(row *sql.Row) (err error) {
			m, err = scanModel(row)
			return err
		})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ModelsByEndpoint lists the models currently advertised by an endpoint.
func (s *Store) ModelsByEndpoint(ctx context.Context, endpointID int64) ([]*Model, error) {
	var models []*Model
	err := s.FetchAll(ctx,
		`SELECT `+modelColumns+` FROM models WHERE endpoint_id = ? ORDER BY name`,
		[]any{endpointID},
		func(rows *sql.Rows) error {
			m, err := scanModel(rows)
			if err != nil {
				return err
			}
			models = append(models, m)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return models, nil
}

// SetMetadata upserts one key in the metadata journal.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.Exec(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toMilli(time.Now()))
	return err
}

// GetMetadata reads one key from the metadata journal.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.FetchOne(ctx, `SELECT value FROM metadata WHERE key = ?`, []any{key}, &value)
	if err != nil {
		return "", err
	}
	return value.String, nil
}

// SetMetadata is the transactional variant used for audit breadcrumbs
// written alongside verdicts.
func (t *Tx) SetMetadata(ctx context.Context, key, value string) error {
	return t.setMetadata(ctx, key, value)
}
