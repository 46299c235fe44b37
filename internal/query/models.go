package query

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"
)

// Sort keys for model listings.
const (
	SortByName   = "name"
	SortByParams = "params"
	SortByQuant  = "quant"
	SortByCount  = "count"
)

// ModelFilter narrows and orders a model listing. String filters are
// case-insensitive; ParameterSize and Quantization match exactly after
// folding ("q4_k_m" matches "Q4_K_M").
type ModelFilter struct {
	Name          string
	ParameterSize string
	Quantization  string
	Sort          string
	Limit         int
}

// ModelListing is one model name aggregated across the endpoints hosting
// it. Detail fields come from an arbitrary host; listings answer "what is
// out there", not "what does host X report".
type ModelListing struct {
	Name              string
	Hosts             int
	ParameterSize     *string
	QuantizationLevel *string
	SizeMB            *float64
}

// Models lists model names grouped across active, non-honeypot endpoints.
func (s *Service) Models(ctx context.Context, filter ModelFilter) ([]ModelListing, error) {
	stmt := `
		SELECT m.name, COUNT(DISTINCT m.endpoint_id) AS hosts,
			MAX(m.parameter_size), MAX(m.quantization_level), MAX(m.size_mb)
		FROM models m
		JOIN endpoints e ON e.id = m.endpoint_id
		WHERE e.is_active = ? AND e.is_honeypot = ?`
	args := []any{true, false}

	if filter.Name != "" {
		stmt += ` AND LOWER(m.name) LIKE ?`
		args = append(args, "%"+strings.ToLower(filter.Name)+"%")
	}
	if filter.ParameterSize != "" {
		stmt += ` AND UPPER(m.parameter_size) = ?`
		args = append(args, strings.ToUpper(filter.ParameterSize))
	}
	if filter.Quantization != "" {
		stmt += ` AND UPPER(m.quantization_level) = ?`
		args = append(args, strings.ToUpper(filter.Quantization))
	}
	stmt += ` GROUP BY m.name`

	var listings []ModelListing
	err := s.store.FetchAll(ctx, stmt, args, func(rows *sql.Rows) error {
		var (
			l     ModelListing
			param sql.NullString
			quant sql.NullString
			size  sql.NullFloat64
		)
		if err := rows.Scan(&l.Name, &l.Hosts, &param, &quant, &size); err != nil {
			return err
		}
		if param.Valid {
			p := param.String
			l.ParameterSize = &p
		}
		if quant.Valid {
			q := quant.String
			l.QuantizationLevel = &q
		}
		if size.Valid {
			v := size.Float64
			l.SizeMB = &v
		}
		listings = append(listings, l)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortListings(listings, filter.Sort)
	if filter.Limit > 0 && len(listings) > filter.Limit {
		listings = listings[:filter.Limit]
	}
	return listings, nil
}

// sortListings orders in place. params sorts largest first, count sorts
// most-hosted first, quant and name sort ascending. Name breaks every tie
// so the order is stable across runs.
func sortListings(listings []ModelListing, key string) {
	sort.Slice(listings, func(i, j int) bool {
		a, b := listings[i], listings[j]
		switch key {
		case SortByParams:
			as, bs := paramScale(a.ParameterSize), paramScale(b.ParameterSize)
			if as != bs {
				return as > bs
			}
		case SortByQuant:
			aq, bq := foldPtr(a.QuantizationLevel), foldPtr(b.QuantizationLevel)
			if aq != bq {
				// Unknown quantization sorts last.
				if aq == "" || bq == "" {
					return bq == ""
				}
				return aq < bq
			}
		case SortByCount:
			if a.Hosts != b.Hosts {
				return a.Hosts > b.Hosts
			}
		}
		return a.Name < b.Name
	})
}

// paramScale converts a "7B"/"700M"-style parameter count into a comparable
// magnitude. Unknown or unparseable sizes return -1 and sort last.
func paramScale(ps *string) float64 {
	if ps == nil {
		return -1
	}
	v := strings.ToUpper(strings.TrimSpace(*ps))
	if v == "" {
		return -1
	}
	scale := 1.0
	switch v[len(v)-1] {
	case 'B':
		scale = 1e9
		v = v[:len(v)-1]
	case 'M':
		scale = 1e6
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return -1
	}
	return n * scale
}

func foldPtr(p *string) string {
	if p == nil {
		return ""
	}
	return strings.ToUpper(*p)
}
