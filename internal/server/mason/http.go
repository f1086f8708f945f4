package mason

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/proveniq/inspectvault/internal/common"
)

// HTTPAdvisor posts each request as JSON to a remote estimator.
// Deadlines come from ctx.
type HTTPAdvisor struct {
	endpoint string
	client   *http.Client
}

func NewHTTPAdvisor(endpoint string, client *http.Client) *HTTPAdvisor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdvisor{endpoint: endpoint, client: client}
}

func (a *HTTPAdvisor) Estimate(ctx context.Context, req Request) (*Estimate, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: mason: %v", common.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: mason: status %d", common.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var est Estimate
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&est); err != nil {
		return nil, fmt.Errorf("%w: mason: decode: %v", common.ErrUpstreamUnavailable, err)
	}
	if est.RepairCents < 0 {
		return nil, fmt.Errorf("%w: mason: negative estimate", common.ErrUpstreamUnavailable)
	}
	return &est, nil
}
