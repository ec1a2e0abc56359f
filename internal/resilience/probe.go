package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ErrUnreachable wraps every liveness failure, including probe timeouts.
var ErrUnreachable = errors.New("peer unreachable")

// LivenessProbe answers whether a peer instance is serving.
type LivenessProbe interface {
	Alive(ctx context.Context) error
}

// HTTPProbe checks GET <BaseURL>/healthz within Timeout.
type HTTPProbe struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

func NewHTTPProbe(baseURL string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{BaseURL: strings.TrimRight(baseURL, "/"), Timeout: timeout, Client: &http.Client{}}
}

func (p *HTTPProbe) Alive(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: healthz returned %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// Readiness reports storage connectivity and breaker state to /readyz.
type Readiness struct {
	Breaker   *Breaker
	connected atomic.Bool
}

type ReadyStatus struct {
	Ready            bool   `json:"ready"`
	StorageConnected bool   `json:"storage_connected"`
	BreakerState     string `json:"breaker_state"`
}

func (r *Readiness) SetStorageConnected(v bool) { r.connected.Store(v) }

// Status is ready when storage is connected and the breaker is not open.
func (r *Readiness) Status() ReadyStatus {
	st := ReadyStatus{StorageConnected: r.connected.Load(), BreakerState: StateClosed.String()}
	open := false
	if r.Breaker != nil {
		s := r.Breaker.State()
		st.BreakerState = s.String()
		open = s == StateOpen
	}
	st.Ready = st.StorageConnected && !open
	return st
}
