// Package upstream implements clients for the criteria and phenotype services.
//
// Every call carries a deadline (the resty client timeout plus the caller's
// context) and is never retried inside a request. Failures are classified
// into the sentinel errors of internal/types so callers can map them with
// errors.Is.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/trialmatch/trialmatch/internal/types"
)

// classify converts a resty outcome into nil or a wrapped sentinel error.
// notFound is returned (wrapped) for 404 responses.
func classify(op string, resp *resty.Response, err error, notFound error) error {
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s: %w: %v", op, types.ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("%s: %w: %v", op, types.ErrUpstreamUnavailable, err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusNotFound && notFound != nil:
		return fmt.Errorf("%s: %w", op, notFound)
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return fmt.Errorf("%s: %w: status %d", op, types.ErrUpstreamTimeout, status)
	case status < 200 || status >= 300:
		return fmt.Errorf("%s: %w: status %d", op, types.ErrUpstreamUnavailable, status)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// newHTTPClient builds the shared resty configuration for both services.
func newHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "trialmatch")
}
