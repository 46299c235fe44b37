package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const endpointColumns = `id, ip, port, api_type, api_version, capabilities, auth_required,
	scan_date, last_check_date, verification_date, verified, is_active, inactive_reason,
	is_honeypot, honeypot_reason, added_by, description`

func scanEndpoint(row interface{ Scan(...any) error }) (*Endpoint, error) {
	var (
		e              Endpoint
		apiVersion     sql.NullString
		capabilities   sql.NullString
		scanDate       sql.NullInt64
		lastCheckDate  sql.NullInt64
		verDate        sql.NullInt64
		inactiveReason sql.NullString
		honeypotReason sql.NullString
		addedBy        sql.NullString
		description    sql.NullString
	)
	err := row.Scan(&e.ID, &e.IP, &e.Port, &e.APIType, &apiVersion, &capabilities,
		&e.AuthRequired, &scanDate, &lastCheckDate, &verDate, &e.Verified, &e.IsActive,
		&inactiveReason, &e.IsHoneypot, &honeypotReason, &addedBy, &description)
	if err != nil {
		return nil, err
	}
	e.APIVersion = strPtr(apiVersion)
	e.Capabilities = unmarshalStrings(capabilities.String)
	e.ScanDate = milliPtr(scanDate)
	e.LastCheckDate = milliPtr(lastCheckDate)
	e.VerificationDate = milliPtr(verDate)
	e.InactiveReason = strPtr(inactiveReason)
	e.HoneypotReason = strPtr(honeypotReason)
	e.AddedBy = strPtr(addedBy)
	e.Description = strPtr(description)
	return &e, nil
}

// UpsertDiscovered records a sighting of (ip, port) and returns the endpoint
// id. A fresh row takes the given verified status. An existing row keeps its
// status when preserve is true, otherwise it is overwritten.
func (t *Tx) UpsertDiscovered(ctx context.Context, ip string, port int, verified int, preserve bool, now time.Time) (int64, error) {
	var id int64
	err := t.FetchOne(ctx, `
		INSERT INTO endpoints (ip, port, scan_date, verified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (ip, port) DO UPDATE SET
			scan_date = excluded.scan_date,
			verified = CASE WHEN ? THEN endpoints.verified ELSE excluded.verified END
		RETURNING id`,
		[]any{ip, port, toMilli(now), verified, preserve}, &id)
	return id, err
}

// MarkValid records a successful probe: the endpoint becomes verified and
// active, and any previous rejection or honeypot marking is cleared.
func (t *Tx) MarkValid(ctx context.Context, id int64, now time.Time, apiType string, apiVersion *string, capabilities []string) error {
	_, err := t.Exec(ctx, `
		UPDATE endpoints SET
			verified = ?,
			verification_date = ?,
			last_check_date = ?,
			is_active = ?,
			inactive_reason = NULL,
			is_honeypot = ?,
			honeypot_reason = NULL,
			auth_required = ?,
			api_type = ?,
			api_version = ?,
			capabilities = ?
		WHERE id = ?`,
		VerifiedOK, toMilli(now), toMilli(now), true, false, false,
		apiType, apiVersion, marshalStrings(capabilities), id)
	return err
}

// MarkHoneypot rejects the endpoint as deceptive. It may stay active for
// observation but is excluded from dispatch.
func (t *Tx) MarkHoneypot(ctx context.Context, id int64, reason string, now time.Time) error {
	_, err := t.Exec(ctx, `
		UPDATE endpoints SET
			is_honeypot = ?,
			honeypot_reason = ?,
			verified = ?,
			last_check_date = ?
		WHERE id = ?`,
		true, reason, VerifiedRejected, toMilli(now), id)
	return err
}

// MarkInvalid rejects and deactivates the endpoint.
func (t *Tx) MarkInvalid(ctx context.Context, id int64, reason string, now time.Time) error {
	_, err := t.Exec(ctx, `
		UPDATE endpoints SET
			verified = ?,
			is_active = ?,
			inactive_reason = ?,
			last_check_date = ?
		WHERE id = ?`,
		VerifiedRejected, false, reason, toMilli(now), id)
	return err
}

// MarkAuthRequired flags the endpoint as gated and rejects it for dispatch.
func (t *Tx) MarkAuthRequired(ctx context.Context, id int64, now time.Time) error {
	_, err := t.Exec(ctx, `
		UPDATE endpoints SET
			auth_required = ?,
			verified = ?,
			is_active = ?,
			inactive_reason = ?,
			last_check_date = ?
		WHERE id = ?`,
		true, VerifiedRejected, false, "authentication required", toMilli(now), id)
	return err
}

// UpsertVerified inserts or refreshes the usable-endpoint marker.
func (t *Tx) UpsertVerified(ctx context.Context, endpointID int64, now time.Time, method, verifiedBy string) error {
	_, err := t.Exec(ctx, `
		INSERT INTO verified_endpoints (endpoint_id, verification_date, verification_method, verified_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (endpoint_id) DO UPDATE SET
			verification_date = excluded.verification_date,
			verification_method = excluded.verification_method,
			verified_by = excluded.verified_by`,
		endpointID, toMilli(now), method, verifiedBy)
	return err
}

// DeleteVerified removes the usable-endpoint marker, if present.
func (t *Tx) DeleteVerified(ctx context.Context, endpointID int64) error {
	_, err := t.Exec(ctx, `DELETE FROM verified_endpoints WHERE endpoint_id = ?`, endpointID)
	return err
}

// EndpointByID loads one endpoint row.
func (s *Store) EndpointByID(ctx context.Context, id int64) (*Endpoint, error) {
	var e *Endpoint
	err := s.fetchRow(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`,
		[]any{id},
		func(row *sql.Row) (err error) {
			e, err = scanEndpoint(row)
			return err
		})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// EndpointByAddress loads the endpoint at (ip, port), if cataloged.
func (s *Store) EndpointByAddress(ctx context.Context, ip string, port int) (*Endpoint, error) {
	var e *Endpoint
	err := s.fetchRow(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE ip = ? AND port = ?`,
		[]any{ip, port},
		func(row *sql.Row) (err error) {
			e, err = scanEndpoint(row)
			return err
		})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// AddEndpoint registers an address supplied by an operator rather than a
// discovery source. Idempotent on (ip, port).
func (s *Store) AddEndpoint(ctx context.Context, ip string, port int, addedBy, description string) (int64, error) {
	var id int64
	err := s.FetchOne(ctx, `
		INSERT INTO endpoints (ip, port, scan_date, verified, added_by, description)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ip, port) DO UPDATE SET
			added_by = excluded.added_by,
			description = excluded.description
		RETURNING id`,
		[]any{ip, port, toMilli(time.Now()), VerifiedNever, addedBy, description}, &id)
	return id, err
}

// EndpointFilter narrows ListEndpoints. Zero values mean "no constraint".
type EndpointFilter struct {
	Verified     *int
	APIType      string
	Capability   string
	AuthRequired *bool
	ActiveOnly   bool
	HoneypotOnly bool
	Limit        int
}

// ListEndpoints returns endpoints matching the filter, oldest first.
func (s *Store) ListEndpoints(ctx context.Context, filter EndpointFilter) ([]*Endpoint, error) {
	var (
		where []string
		args  []any
	)
	if filter.Verified != nil {
		where = append(where, "verified = ?")
		args = append(args, *filter.Verified)
	}
	if filter.APIType != "" {
		where = append(where, "api_type = ?")
		args = append(args, filter.APIType)
	}
	if filter.Capability != "" {
		where = append(where, "capabilities LIKE ?")
		args = append(args, `%"`+filter.Capability+`"%`)
	}
	if filter.AuthRequired != nil {
		where = append(where, "auth_required = ?")
		args = append(args, *filter.AuthRequired)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = ?")
		args = append(args, true)
	}
	if filter.HoneypotOnly {
		where = append(where, "is_honeypot = ?")
		args = append(args, true)
	}

	stmt := `SELECT ` + endpointColumns + ` FROM endpoints`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY id"
	if filter.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var endpoints []*Endpoint
	err := s.FetchAll(ctx, stmt, args, func(rows *sql.Rows) error {
		e, err := scanEndpoint(rows)
		if err != nil {
			return err
		}
		endpoints = append(endpoints, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}
