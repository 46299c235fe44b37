// Package verifier runs one candidate end-to-end: probe the endpoint,
// classify the result, and commit the verdict to the catalog in a single
// transaction. A rolled-back verdict leaves the endpoint exactly as it was
// before the probe.
package verifier

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tt1a44a/modelnet/internal/catalog"
	apperrors "github.com/tt1a44a/modelnet/internal/errors"
	"github.com/tt1a44a/modelnet/internal/honeypot"
	"github.com/tt1a44a/modelnet/internal/probe"
)

// Scan statuses a discovery path may assign before the verdict lands. The
// verdict overwrites both; the distinction only survives for rows that were
// never probed.
const (
	ScanStatusScanned  = "scanned"
	ScanStatusVerified = "verified"
)

// responseSampleLimit caps the stored response excerpt per history row.
const responseSampleLimit = 500

const bytesPerMB = 1024 * 1024

// Outcome summarizes one completed verification.
type Outcome struct {
	IP           string
	Port         int
	EndpointID   int64
	Decision     honeypot.Decision
	Reason       string
	AuthRequired bool
	ModelCount   int
	Elapsed      time.Duration
}

// Valid reports whether the endpoint ended up usable.
func (o *Outcome) Valid() bool {
	return o.Decision == honeypot.DecisionValid
}

// Verifier binds the probe client to the catalog store.
type Verifier struct {
	store  *catalog.Store
	client *probe.Client
}

func New(store *catalog.Store, client *probe.Client) *Verifier {
	return &Verifier{store: store, client: client}
}

// Verify probes (ip, port) and records the verdict. No store connection is
// held while the probe is in flight.
func (v *Verifier) Verify(ctx context.Context, ip string, port int, scanStatus string, preserve bool) (*Outcome, error) {
	res := v.client.Probe(ctx, ip, port)
	return v.Apply(ctx, res, scanStatus, preserve)
}

// Apply classifies an already-obtained probe result and commits the verdict.
// The upsert, the status change, the verified marker, model reconciliation,
// and the history row all land in one transaction. A store failure triggers
// one pool keep-alive and a single retry before surfacing.
func (v *Verifier) Apply(ctx context.Context, res *probe.Result, scanStatus string, preserve bool) (*Outcome, error) {
	started := time.Now()
	verdict := honeypot.Classify(res)
	now := started.UTC()

	outcome := &Outcome{
		IP:           res.IP,
		Port:         res.Port,
		Decision:     verdict.Decision,
		Reason:       verdict.Reason,
		AuthRequired: res.AuthRequired,
		ModelCount:   len(res.Models),
	}

	commit := func() error {
		return v.store.Transaction(ctx, func(tx *catalog.Tx) error {
			id, err := tx.UpsertDiscovered(ctx, res.IP, res.Port, discoveredStatus(scanStatus), preserve, now)
			if err != nil {
				return err
			}
			outcome.EndpointID = id
			return v.applyVerdict(ctx, tx, id, res, verdict, now)
		})
	}

	err := commit()
	if err != nil && apperrors.KindOf(err) == apperrors.KindStore {
		log.Warn().Str("endpoint", res.Target()).Err(err).Msg("Verdict transaction failed, reviving pool")
		if kerr := v.store.KeepAlive(ctx); kerr == nil {
			err = commit()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", res.Target(), err)
	}

	outcome.Elapsed = time.Since(started)
	logOutcome(outcome)
	return outcome, nil
}

func (v *Verifier) applyVerdict(ctx context.Context, tx *catalog.Tx, id int64, res *probe.Result, verdict honeypot.Verdict, now time.Time) error {
	switch {
	case res.AuthRequired:
		if err := tx.MarkAuthRequired(ctx, id, now); err != nil {
			return err
		}
		if err := tx.DeleteVerified(ctx, id); err != nil {
			return err
		}
	case verdict.Decision == honeypot.DecisionHoneypot:
		if err := tx.MarkHoneypot(ctx, id, verdict.Reason, now); err != nil {
			return err
		}
		if err := tx.DeleteVerified(ctx, id); err != nil {
			return err
		}
		key := fmt.Sprintf("endpoint_%d_honeypot_change", id)
		if err := tx.SetMetadata(ctx, key, fmt.Sprintf("%s at %s", verdict.Reason, now.Format(time.RFC3339))); err != nil {
			return err
		}
	case verdict.Decision == honeypot.DecisionInvalid:
		if err := tx.MarkInvalid(ctx, id, verdict.Reason, now); err != nil {
			return err
		}
		if err := tx.DeleteVerified(ctx, id); err != nil {
			return err
		}
	default:
		if err := v.applyValid(ctx, tx, id, res, now); err != nil {
			return err
		}
	}

	return tx.InsertVerification(ctx, &catalog.Verification{
		EndpointID:       id,
		VerificationDate: now,
		ResponseSample:   capSample(res.GenerateText),
		DetectedModels:   modelNames(res.Models),
		IsHoneypot:       verdict.Decision == honeypot.DecisionHoneypot,
		Metrics: catalog.ResponseMetrics{
			EvalCount:         res.Metrics.EvalCount,
			EvalDurationNS:    res.Metrics.EvalDurationNS,
			TokensPerSecond:   res.Metrics.TokensPerSecond,
			FirstTokenLatency: res.Metrics.FirstTokenLatency,
			TotalDurationNS:   res.Metrics.TotalDurationNS,
		},
	})
}

func (v *Verifier) applyValid(ctx context.Context, tx *catalog.Tx, id int64, res *probe.Result, now time.Time) error {
	var version *string
	if res.APIVersion != "" {
		version = &res.APIVersion
	}
	if err := tx.MarkValid(ctx, id, now, res.APIType, version, probe.DetectCapabilities(res)); err != nil {
		return err
	}
	if err := tx.UpsertVerified(ctx, id, now, "probe", "scanner"); err != nil {
		return err
	}

	stats, err := tx.ReconcileModels(ctx, id, observedModels(res.Models))
	if err != nil {
		return err
	}
	if stats.Added+stats.Updated+stats.Removed > 0 {
		key := fmt.Sprintf("endpoint_%d_model_change", id)
		value := fmt.Sprintf("added=%d updated=%d removed=%d at %s",
			stats.Added, stats.Updated, stats.Removed, now.Format(time.RFC3339))
		if err := tx.SetMetadata(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func discoveredStatus(scanStatus string) int {
	if scanStatus == ScanStatusVerified {
		return catalog.VerifiedOK
	}
	return catalog.VerifiedNever
}

func observedModels(tags []probe.TagModel) []catalog.ObservedModel {
	observed := make([]catalog.ObservedModel, 0, len(tags))
	for _, m := range tags {
		om := catalog.ObservedModel{Name: m.Name}
		if m.Size > 0 {
			mb := float64(m.Size) / bytesPerMB
			om.SizeMB = &mb
		}
		if m.Details != nil {
			if m.Details.ParameterSize != "" {
				ps := m.Details.ParameterSize
				om.ParameterSize = &ps
			}
			if m.Details.QuantizationLevel != "" {
				q := m.Details.QuantizationLevel
				om.QuantizationLevel = &q
			}
		}
		observed = append(observed, om)
	}
	return observed
}

func modelNames(tags []probe.TagModel) []string {
	names := make([]string, 0, len(tags))
	for _, m := range tags {
		names = append(names, m.Name)
	}
	return names
}

func capSample(text string) string {
	if len(text) <= responseSampleLimit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= responseSampleLimit {
		return text
	}
	return string(runes[:responseSampleLimit])
}

func logOutcome(o *Outcome) {
	target := net.JoinHostPort(o.IP, strconv.Itoa(o.Port))
	switch o.Decision {
	case honeypot.DecisionValid:
		log.Info().Str("endpoint", target).Int64("id", o.EndpointID).Int("models", o.ModelCount).
			Dur("elapsed", o.Elapsed).Msg("Endpoint verified")
	case honeypot.DecisionHoneypot:
		log.Warn().Str("endpoint", target).Int64("id", o.EndpointID).Str("reason", o.Reason).
			Msg("Honeypot detected")
	default:
		log.Debug().Str("endpoint", target).Int64("id", o.EndpointID).Str("reason", o.Reason).
			Msg("Endpoint rejected")
	}
}
