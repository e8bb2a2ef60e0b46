// Package queue implements the asynchronous capture pipeline: a bounded
// event queue drained by a single background worker that batches events
// to the capture endpoint with size and time flush triggers.
package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// Event is one captured event, immutable once enqueued.
type Event struct {
	UUID       string         `json:"uuid,omitempty"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
}

// batchRequest is the capture endpoint's wire shape.
type batchRequest struct {
	APIKey               string  `json:"api_key"`
	HistoricalMigrations bool    `json:"historical_migrations"`
	Batch                []Event `json:"batch"`
}

func (b batchRequest) marshal() ([]byte, error) {
	return json.Marshal(b)
}

// Config wires the queue's collaborators and limits.
type Config struct {
	Endpoint      string
	ProjectAPIKey string

	FlushAt       int
	FlushInterval time.Duration
	MaxBatchSize  int
	MaxQueueSize  int
	MaxRetries    int
	RetryBackoff  time.Duration

	HTTPClient httpDoer
	Logger     zerolog.Logger
	Telemetry  *telemetry.Provider
	Now        func() time.Time
}

func (c *Config) applyDefaults() {
	if c.FlushAt <= 0 {
		c.FlushAt = 20
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Queue accepts events from any goroutine and never blocks producers:
// when full, events are dropped with a warning.
type Queue struct {
	cfg Config
	log zerolog.Logger

	events   chan Event
	flushReq chan chan struct{}
	shutdown chan struct{}
	done     chan struct{}
}

// New creates a queue. Start must be called to begin draining.
func New(cfg Config) *Queue {
	cfg.applyDefaults()
	return &Queue{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "queue").Logger(),
		events:   make(chan Event, cfg.MaxQueueSize),
		flushReq: make(chan chan struct{}, 16),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background worker.
func (q *Queue) Start() {
	go q.run()
}

// Enqueue offers an event to the queue. Returns false when the queue is
// full and the event was dropped.
func (q *Queue) Enqueue(ctx context.Context, event Event) bool {
	select {
	case q.events <- event:
		q.cfg.Telemetry.RecordCapture(ctx, event.Event)
		return true
	default:
		q.log.Warn().Str("event", event.Event).Msg("event queue full; dropping event")
		q.cfg.Telemetry.RecordQueueDrop(ctx)
		return false
	}
}

// Flush forces delivery of everything accepted so far and waits for the
// worker to finish the cycle or the context to end.
func (q *Queue) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case q.flushReq <- ack:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return nil
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return nil
	}
}

// Stop drains the queue and stops the worker. The context bounds how
// long the drain may take.
func (q *Queue) Stop(ctx context.Context) error {
	close(q.shutdown)
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)

	pending := make([]Event, 0, q.cfg.FlushAt)
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-q.events:
			pending = append(pending, event)
			if len(pending) >= q.cfg.FlushAt {
				pending = q.deliver(pending)
			}

		case <-ticker.C:
			pending = q.deliver(pending)

		case ack := <-q.flushReq:
			pending = append(pending, q.drainChannel()...)
			pending = q.deliver(pending)
			close(ack)

		case <-q.shutdown:
			pending = append(pending, q.drainChannel()...)
			q.deliver(pending)
			return
		}
	}
}

// drainChannel empties whatever producers managed to enqueue so far
// without blocking on them.
func (q *Queue) drainChannel() []Event {
	var drained []Event
	for {
		select {
		case event := <-q.events:
			drained = append(drained, event)
		default:
			return drained
		}
	}
}

// deliver sends pending events in batches of at most MaxBatchSize and
// returns the (always empty) remaining slice, keeping the backing
// array.
func (q *Queue) deliver(pending []Event) []Event {
	for len(pending) > 0 {
		size := len(pending)
		if size > q.cfg.MaxBatchSize {
			size = q.cfg.MaxBatchSize
		}
		q.sendBatch(pending[:size])
		pending = pending[size:]
	}
	return pending[:0]
}
