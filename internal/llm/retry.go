package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// RetryConfig bounds how the client rides out a local Ollama server that
// is starting, loading a model or crashed a runner.
type RetryConfig struct {
	// MaxRetries bounds retries of refused connections and server errors.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// LoadWaits bounds how many 503 and 429 answers are waited out. Ollama
	// sends them while a model loads or its request queue is full.
	LoadWaits int
	LoadDelay time.Duration
}

// DefaultRetryConfig waits up to about twenty seconds for a model to load.
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 2,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   5 * time.Second,
	LoadWaits:  10,
	LoadDelay:  2 * time.Second,
}

// errorPeek is how much of an error body is inspected.
const errorPeek = 512

// outcome classifies one attempt.
type outcome int

const (
	final outcome = iota
	failedTransient
	serverBusy
)

// permanentServerErrors are 5xx messages a retry cannot fix.
var permanentServerErrors = []string{
	"requires more system memory",
	"not found, try pulling it first",
	"unknown model architecture",
}

type requestFn func() (*http.Response, error)

func doWithRetry(ctx context.Context, cfg RetryConfig, sleep func(context.Context, time.Duration) error, fn requestFn) (*http.Response, error) {
	retries, waits := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := fn()
		var delay time.Duration
		switch classify(resp, err) {
		case failedTransient:
			if retries >= cfg.MaxRetries {
				return resp, err
			}
			delay = backoff(cfg, retries)
			retries++
		case serverBusy:
			if waits >= cfg.LoadWaits {
				return resp, err
			}
			delay = cfg.LoadDelay
			if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
				delay = ra
			}
			waits++
		default:
			return resp, err
		}

		if resp != nil {
			resp.Body.Close()
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func classify(resp *http.Response, err error) outcome {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return final
		}
		if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
			return failedTransient
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return failedTransient
		}
		return final
	}

	switch status := resp.StatusCode; {
	case status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests:
		return serverBusy
	case status >= 500:
		msg := strings.ToLower(peekError(resp))
		for _, permanent := range permanentServerErrors {
			if strings.Contains(msg, permanent) {
				return final
			}
		}
		return failedTransient
	default:
		return final
	}
}

// peekError returns the Ollama error message of resp and leaves the body
// readable from the start.
func peekError(resp *http.Response) string {
	head, _ := io.ReadAll(io.LimitReader(resp.Body, errorPeek))
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(head, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(head)
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.BaseDelay << attempt
	if d <= 0 || d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
