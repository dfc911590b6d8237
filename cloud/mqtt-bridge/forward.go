package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	maxAttempts = 5
	baseDelay   = 200 * time.Millisecond
)

var (
	// errRejected means the ingestor refused the payload; retrying cannot help.
	errRejected = errors.New("rejected by ingestor")
	// errExhausted means every attempt failed with a retryable error.
	errExhausted = errors.New("retries exhausted")
)

// failureReason is the metric label for a forward error.
func failureReason(err error) string {
	switch {
	case errors.Is(err, errRejected):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "exhausted"
	}
}

// backoff returns the sleep before the given retry: 200ms, 400ms, 800ms, 1.6s.
func backoff(retry int) time.Duration {
	return baseDelay << (retry - 1)
}

func newHTTPClient() (*http.Client, *http.Transport) {
	t := &http.Transport{
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: 5 * time.Second, Transport: t}, t
}

// post makes one attempt. A nil error means 202; errRejected wraps any 4xx.
func (b *bridge) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: HTTP %d", errRejected, resp.StatusCode)
	default:
		return fmt.Errorf("ingestor returned HTTP %d", resp.StatusCode)
	}
}

// forward delivers payload to url, retrying network errors and non-4xx
// statuses with exponential backoff. Every sleep is cancellable via ctx.
func (b *bridge) forward(ctx context.Context, url string, payload []byte, deviceID string) error {
	start := time.Now()
	defer func() { forwardDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			forwardRetry.Inc()
			delay := backoff(attempt)
			logger.Info("retrying forward",
				"device_id", deviceID,
				"retry_count", attempt,
				"delay", delay.String(),
			)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("backoff before attempt %d: %w", attempt, ctx.Err())
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("before attempt %d: %w", attempt, err)
		}

		err := b.post(ctx, url, payload)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errRejected):
			return err
		}
		lastErr = err
		logger.Warn("forward attempt failed",
			"device_id", deviceID,
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("%w after %d attempts: %v", errExhausted, maxAttempts, lastErr)
}
