package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"
)

const defaultProbeURL = "https://www.gstatic.com/generate_204"

// Prober issues one lightweight reachability probe and returns the observed
// round-trip time. Injectable for testing.
type Prober func(ctx context.Context) (time.Duration, error)

// HTTPProber returns a Prober that issues a GET against url and measures
// time to first response byte, falling back to full-request time when the
// trace callback never fires.
func HTTPProber(url string) Prober {
	if url == "" {
		url = defaultProbeURL
	}
	transport := &http.Transport{DisableKeepAlives: true}

	return func(ctx context.Context) (time.Duration, error) {
		var firstByte time.Time
		trace := &httptrace.ClientTrace{
			GotFirstResponseByte: func() { firstByte = time.Now() },
		}

		req, err := http.NewRequestWithContext(
			httptrace.WithClientTrace(ctx, trace), http.MethodGet, url, nil)
		if err != nil {
			return 0, fmt.Errorf("connectivity: create probe request: %w", err)
		}

		start := time.Now()
		resp, err := transport.RoundTrip(req)
		if err != nil {
			return 0, fmt.Errorf("connectivity: probe: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if !firstByte.IsZero() && firstByte.After(start) {
			return firstByte.Sub(start), nil
		}
		return time.Since(start), nil
	}
}
