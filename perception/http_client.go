package perception

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Frame fetch defaults.
const (
	DefaultFetchTimeout  = 10 * time.Second
	DefaultFetchAttempts = 3
	DefaultFetchBackoff  = 250 * time.Millisecond

	maxFrameBytes = 20 << 20
)

// FrameFetcher pulls telemetry frames from a simulator HTTP endpoint that
// serves either format DecodeFrame accepts. Zero fields take the defaults.
type FrameFetcher struct {
	URL      string
	Client   *http.Client
	Attempts int           // tries per Fetch
	Backoff  time.Duration // delay before the first retry, doubled after each
}

// statusError is a non-200 response. Only 5xx and 429 are worth retrying.
type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.url, e.code, http.StatusText(e.code))
}

func (e *statusError) temporary() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

// Fetch returns the next frame. Network failures and temporary HTTP statuses
// are retried with exponential backoff; undecodable bodies, client errors and
// context cancellation are returned at once.
func (f *FrameFetcher) Fetch(ctx context.Context) (*Frame, error) {
	if f.URL == "" {
		return nil, errors.New("fetch frame: no URL configured")
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	attempts := f.Attempts
	if attempts < 1 {
		attempts = DefaultFetchAttempts
	}
	delay := f.Backoff
	if delay <= 0 {
		delay = DefaultFetchBackoff
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("fetch frame: %w", ctx.Err())
			case <-timer.C:
			}
			delay *= 2
		}

		body, err := f.get(ctx, client)
		var se *statusError
		switch {
		case err == nil:
			frame, err := DecodeFrame(body)
			if err != nil {
				return nil, fmt.Errorf("fetch frame from %s: %w", f.URL, err)
			}
			return frame, nil
		case ctx.Err() != nil:
			return nil, fmt.Errorf("fetch frame: %w", ctx.Err())
		case errors.As(err, &se) && !se.temporary():
			return nil, fmt.Errorf("fetch frame: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch frame: giving up after %d attempts: %w", attempts, lastErr)
}

func (f *FrameFetcher) get(ctx context.Context, client *http.Client) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/png, application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{url: f.URL, code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.URL, err)
	}
	if len(body) > maxFrameBytes {
		return nil, fmt.Errorf("frame from %s exceeds %d bytes", f.URL, maxFrameBytes)
	}
	return body, nil
}
