package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// HTTPProbe reports the gateway reachable when an HTTP HEAD request to
// its URL gets any response at all. Error statuses still mean the
// network path works.
type HTTPProbe struct {
	client *http.Client

	mu  sync.RWMutex
	url string
}

// NewHTTPProbe creates an HTTPProbe against url. The per-probe timeout
// is deliberately short so a dead network fails fast.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetURL re-points the probe while the daemon runs, for example when a
// gateway credential is saved and the probe should follow its
// endpoint.
func (p *HTTPProbe) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

// Check implements Probe. With no URL configured there is nothing to
// reach, so the probe reports offline.
func (p *HTTPProbe) Check(ctx context.Context) bool {
	p.mu.RLock()
	url := p.url
	p.mu.RUnlock()
	if url == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
