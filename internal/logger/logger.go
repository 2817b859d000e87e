// Package logger implements a non-blocking, batched request log.
//
// Entries go into a buffered channel and a background goroutine writes them
// in batches, so the request path never waits on log output. When the channel
// is full new entries are dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completed gateway request.
type RequestLog struct {
	ID                uuid.UUID
	RequestID         string // X-Request-ID as seen by the client; may not be a UUID
	Route             string
	Provider          string
	RequestedModel    string
	UsedModel         string
	Fallback          bool
	UpstreamRequestID string
	Status            int
	Latency           time.Duration
	Streamed          bool
	Deltas            int
	InputTokens       int
	OutputTokens      int
	CreatedAt         time.Time
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry without blocking.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains queued entries and stops the writer.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func() {
		for _, e := range batch {
			l.write(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) write(e RequestLog) {
	attrs := []slog.Attr{
		slog.String("id", e.ID.String()),
		slog.String("route", e.Route),
		slog.String("provider", e.Provider),
		slog.String("requested_model", e.RequestedModel),
		slog.String("used_model", e.UsedModel),
		slog.Bool("fallback", e.Fallback),
		slog.Int("status", e.Status),
		slog.Int64("latency_ms", e.Latency.Milliseconds()),
		slog.Bool("streamed", e.Streamed),
		slog.Time("created_at", normalizeTime(e.CreatedAt)),
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.UpstreamRequestID != "" {
		attrs = append(attrs, slog.String("upstream_request_id", e.UpstreamRequestID))
	}
	if e.Streamed {
		attrs = append(attrs, slog.Int("deltas", e.Deltas))
	}
	if e.InputTokens+e.OutputTokens > 0 {
		attrs = append(attrs,
			slog.Int("input_tokens", e.InputTokens),
			slog.Int("output_tokens", e.OutputTokens),
		)
	}
	l.log.LogAttrs(l.baseCtx, slog.LevelInfo, "request", attrs...)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
