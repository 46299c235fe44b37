package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
)

// InsertVerification appends one probe outcome to the endpoint's history.
// History rows are never updated; a duplicate instant is dropped.
func (t *Tx) InsertVerification(ctx context.Context, v *Verification) error {
	metrics, err := json.Marshal(v.Metrics)
	if err != nil {
		metrics = []byte("{}")
	}
	_, err = t.Exec(ctx, `
		INSERT INTO endpoint_verifications
			(endpoint_id, verification_date, response_sample, detected_models, is_honeypot, response_metrics)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (endpoint_id, verification_date) DO NOTHING`,
		v.EndpointID, toMilli(v.VerificationDate), v.ResponseSample,
		marshalStrings(v.DetectedModels), v.IsHoneypot, string(metrics))
	return err
}

// VerificationHistory returns the newest limit history rows for an endpoint.
func (s *Store) VerificationHistory(ctx context.Context, endpointID int64, limit int) ([]*Verification, error) {
	if limit <= 0 {
		limit = 10
	}
	var history []*Verification
	err := s.FetchAll(ctx, `
		SELECT id, endpoint_id, verification_date, response_sample, detected_models, is_honeypot, response_metrics
		FROM endpoint_verifications
		WHERE endpoint_id = ?
		ORDER BY verification_date DESC
		LIMIT ?`,
		[]any{endpointID, limit},
		func(rows *sql.Rows) error {
			var (
				v       Verification
				date    int64
				sample  sql.NullString
				models  sql.NullString
				metrics sql.NullString
			)
			if err := rows.Scan(&v.ID, &v.EndpointID, &date, &sample, &models, &v.IsHoneypot, &metrics); err != nil {
				return err
			}
			v.VerificationDate = fromMilli(date)
			v.ResponseSample = sample.String
			v.DetectedModels = unmarshalStrings(models.String)
			if metrics.Valid && metrics.String != "" {
				_ = json.Unmarshal([]byte(metrics.String), &v.Metrics)
			}
			history = append(history, &v)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// SaveChatRecord appends one dispatch interaction in its own transaction
// and returns the row id.
func (s *Store) SaveChatRecord(ctx context.Context, rec *ChatRecord) (int64, error) {
	var id int64
	err := s.Transaction(ctx, func(tx *Tx) error {
		return tx.FetchOne(ctx, `
			INSERT INTO chat_history
				(user_id, model_id, prompt, system_prompt, response, temperature, max_tokens, timestamp, eval_count, eval_duration)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			[]any{
				rec.UserID, rec.ModelID, rec.Prompt, rec.SystemPrompt, rec.Response,
				rec.Temperature, rec.MaxTokens, toMilli(rec.Timestamp), rec.EvalCount, rec.EvalDuration,
			}, &id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertBenchmark appends one benchmark outcome and returns the row id.
func (s *Store) InsertBenchmark(ctx context.Context, res *BenchmarkResult) (int64, error) {
	var id int64
	err := s.FetchOne(ctx, `
		INSERT INTO benchmark_results
			(endpoint_id, model_id, test_date, avg_response_time, tokens_per_second,
			 first_token_latency, throughput_tokens, throughput_time,
			 context_500_tps, context_1000_tps, context_2000_tps,
			 max_concurrent_requests, concurrency_success_rate, concurrency_avg_time, success_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		[]any{
			res.EndpointID, res.ModelID, toMilli(res.TestDate), res.AvgResponseTime,
			res.TokensPerSecond, res.FirstTokenLatency, res.ThroughputTokens, res.ThroughputTime,
			res.Context500TPS, res.Context1000TPS, res.Context2000TPS,
			res.MaxConcurrentRequests, res.ConcurrencySuccessRate, res.ConcurrencyAvgTime, res.SuccessRate,
		}, &id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// LatestBenchmark returns the most recent benchmark for an endpoint.
func (s *Store) LatestBenchmark(ctx context.Context, endpointID int64) (*BenchmarkResult, error) {
	var res *BenchmarkResult
	err := s.fetchRow(ctx, `
		SELECT id, endpoint_id, model_id, test_date, avg_response_time, tokens_per_second,
			first_token_latency, throughput_tokens, throughput_time,
			context_500_tps, context_1000_tps, context_2000_tps,
			max_concurrent_requests, concurrency_success_rate, concurrency_avg_time, success_rate
		FROM benchmark_results
		WHERE endpoint_id = ?
		ORDER BY test_date DESC
		LIMIT 1`,
		[]any{endpointID},
		func(row *sql.Row) error {
			var (
				b        BenchmarkResult
				modelID  sql.NullInt64
				date     int64
				avgTime  sql.NullFloat64
				tps      sql.NullFloat64
				firstTok sql.NullFloat64
				thTokens sql.NullFloat64
				thTime   sql.NullFloat64
				ctx500   sql.NullFloat64
				ctx1000  sql.NullFloat64
				ctx2000  sql.NullFloat64
				maxConc  sql.NullInt64
				concRate sql.NullFloat64
				concAvg  sql.NullFloat64
				success  sql.NullFloat64
			)
			err := row.Scan(&b.ID, &b.EndpointID, &modelID, &date, &avgTime, &tps,
				&firstTok, &thTokens, &thTime, &ctx500, &ctx1000, &ctx2000,
				&maxConc, &concRate, &concAvg, &success)
			if err != nil {
				return err
			}
			b.ModelID = intPtr(modelID)
			b.TestDate = fromMilli(date)
			b.AvgResponseTime = floatPtr(avgTime)
			b.TokensPerSecond = floatPtr(tps)
			b.FirstTokenLatency = floatPtr(firstTok)
			b.ThroughputTokens = floatPtr(thTokens)
			b.ThroughputTime = floatPtr(thTime)
			b.Context500TPS = floatPtr(ctx500)
			b.Context1000TPS = floatPtr(ctx1000)
			b.Context2000TPS = floatPtr(ctx2000)
			b.MaxConcurrentRequests = intPtr(maxConc)
			b.ConcurrencySuccessRate = floatPtr(concRate)
			b.ConcurrencyAvgTime = floatPtr(concAvg)
			b.SuccessRate = floatPtr(success)
			res = &b
			return nil
		})
	if err != nil {
		return nil, err
	}
	return res, nil
}
