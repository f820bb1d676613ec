package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
)

const (
	DefaultUpstreamTimeout = 30 * time.Second
	maxUpstreamBody        = 1 << 20
)

// UpstreamReply is the only reply shape accepted from an upstream service.
type UpstreamReply struct {
	Status string          `json:"status" validate:"required,oneof=success"`
	Result json.RawMessage `json:"result" validate:"required"`
}

// Upstream returns a capability that POSTs the request body to url and
// returns the reply's result. Anything other than a well-formed reply is an
// error.
func Upstream(client *http.Client, url string, timeout time.Duration) Capability {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}

	return func(ctx context.Context, body json.RawMessage) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to build upstream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, &types.X402Error{
				Code:    types.ErrNetworkError,
				Message: fmt.Sprintf("upstream unreachable: %v", err),
			}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream reply: %w", err)
		}
		if len(data) > maxUpstreamBody {
			return nil, fmt.Errorf("upstream reply exceeds %d bytes", maxUpstreamBody)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}

		var reply UpstreamReply
		if err := utils.DecodeStrict(data, &reply); err != nil {
			return nil, &types.X402Error{
				Code:    types.ErrServiceFailed,
				Message: fmt.Sprintf("malformed upstream reply: %v", err),
			}
		}
		return reply.Result, nil
	}
}
