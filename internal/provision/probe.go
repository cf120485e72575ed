package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	probeWaitMin  = 50 * time.Millisecond
	probeWaitMax  = 500 * time.Millisecond
	checkTimeout  = 2 * time.Second
	maxProbeTries = 10_000 // the context deadline is the real bound
)

// Prober polls backend health routes.
type Prober struct {
	wait  *retryablehttp.Client
	check *retryablehttp.Client
}

// NewProber creates a prober. Readiness polling retries with capped
// exponential backoff until the caller's context ends.
func NewProber() *Prober {
	wait := retryablehttp.NewClient()
	wait.RetryMax = maxProbeTries
	wait.RetryWaitMin = probeWaitMin
	wait.RetryWaitMax = probeWaitMax
	wait.Logger = nil
	wait.CheckRetry = retryUntilHealthy
	wait.ErrorHandler = retryablehttp.PassthroughErrorHandler

	check := retryablehttp.NewClient()
	check.RetryMax = 0
	check.Logger = nil
	check.HTTPClient.Timeout = checkTimeout
	check.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Prober{wait: wait, check: check}
}

// WaitReady blocks until healthURL answers 200 or ctx is done.
func (p *Prober) WaitReady(ctx context.Context, healthURL string) error {
	if err := p.get(ctx, p.wait, healthURL); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return nil
}

// Healthy performs one health request.
func (p *Prober) Healthy(ctx context.Context, healthURL string) bool {
	return p.get(ctx, p.check, healthURL) == nil
}

func (p *Prober) get(ctx context.Context, client *retryablehttp.Client, healthURL string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if resp != nil {
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()
	}
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	return nil
}

// retryUntilHealthy retries connection errors and non-200 answers alike: a
// backend that is still starting may refuse connections or answer early.
func retryUntilHealthy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode != http.StatusOK, nil
}
