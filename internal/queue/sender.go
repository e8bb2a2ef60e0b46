package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// httpDoer is the slice of *http.Client the sender needs; tests swap in
// recording doubles.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// sendBatch posts one batch, retrying transient failures with
// exponential backoff. Exhausted batches are dropped with an error log;
// the pipeline never blocks on a dead endpoint.
func (q *Queue) sendBatch(batch []Event) {
	if len(batch) == 0 {
		return
	}

	body, err := batchRequest{
		APIKey:               q.cfg.ProjectAPIKey,
		HistoricalMigrations: false,
		Batch:                batch,
	}.marshal()
	if err != nil {
		q.log.Error().Err(err).Int("batch_size", len(batch)).Msg("dropping unserializable batch")
		return
	}

	batchID := uuid.NewString()
	start := q.cfg.Now()

	var lastErr error
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := q.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-q.shutdown:
				// Last chance during drain: one immediate attempt.
			}
		}

		lastErr = q.postBatch(body)
		if lastErr == nil {
			q.cfg.Telemetry.RecordFlush(context.Background(), true, q.cfg.Now().Sub(start), len(batch))
			q.log.Debug().Str("batch_id", batchID).Int("batch_size", len(batch)).Msg("batch delivered")
			return
		}
		if !retriable(lastErr) {
			break
		}
	}

	q.cfg.Telemetry.RecordFlush(context.Background(), false, q.cfg.Now().Sub(start), len(batch))
	q.log.Error().Err(lastErr).Str("batch_id", batchID).Int("batch_size", len(batch)).
		Msg("dropping batch after retries")
}

func (q *Queue) postBatch(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, q.cfg.Endpoint+"/batch/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("batch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &httpError{status: resp.StatusCode, message: string(message)}
	}
	return nil
}

// retriable reports whether an attempt is worth repeating: network
// errors, 5xx and 429. Client errors are final.
func retriable(err error) bool {
	if httpErr, ok := err.(*httpError); ok {
		return httpErr.status >= 500 || httpErr.status == http.StatusTooManyRequests
	}
	return true
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.message)
}
