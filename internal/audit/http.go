package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HTTPEmitter posts audit events to an HTTP endpoint and keeps a local
// backup of every event.
type HTTPEmitter struct {
	mu       sync.Mutex
	endpoint string
	client   *http.Client
	heads    *HeadStore
	backup   *FileBackup
	log      *slog.Logger

	retries    int
	retryDelay time.Duration
}

// NewHTTPEmitter creates a new HTTP emitter.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	heads, err := OpenHeadStore(cfg.BackupDir)
	if err != nil {
		return nil, err
	}

	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &HTTPEmitter{
		endpoint:   cfg.Endpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
		heads:      heads,
		backup:     backup,
		log:        slog.With("component", "audit"),
		retries:    3,
		retryDelay: time.Second,
	}, nil
}

// Emit posts evt to the endpoint. The backup is written before the post;
// the chain only advances once the endpoint accepts the event.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *AuditEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.heads.link(evt)
	log := e.log.With(
		"dataset", evt.Conversion.Dataset,
		"sequence", evt.Chain.Sequence,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup.Save(evt); err != nil {
		log.Warn("audit backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("post audit event: %w", err)
	}
	log.Info("posted audit event")

	if err := e.heads.Advance(evt); err != nil {
		log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *AuditEvent) error {
	var lastErr error
	delay := e.retryDelay

	for attempt := 1; attempt <= e.retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < e.retries {
			e.log.Warn("audit post failed, retrying",
				"attempt", attempt,
				"max_attempts", e.retries,
				"delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", e.retries, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *AuditEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Debug("audit event accepted", "endpoint", e.endpoint, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	return nil
}
