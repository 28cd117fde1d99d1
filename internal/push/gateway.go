package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nexachat/delivery-service/internal/store"
)

// HTTPGateway posts notifications to a provider webhook. It is the default
// store.PushGateway wiring; swapping in FCM/APNS adapters is a deployment
// concern outside this core.
type HTTPGateway struct {
	endpoint string
	client   *http.Client
}

var _ store.PushGateway = (*HTTPGateway)(nil)

func NewHTTPGateway(endpoint string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type pushRequest struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

func (g *HTTPGateway) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	payload, err := json.Marshal(pushRequest{Token: token, Title: title, Body: body, Data: data})
	if err != nil {
		return fmt.Errorf("push gateway: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("push gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return fmt.Errorf("push gateway: provider returned %s", res.Status)
	}
	return nil
}

// NoopGateway discards notifications. It stands in when no provider
// endpoint is configured, keeping the fanout path identical either way.
type NoopGateway struct{}

var _ store.PushGateway = NoopGateway{}

func NewNoopGateway() NoopGateway { return NoopGateway{} }

func (NoopGateway) Send(context.Context, string, string, string, map[string]string) error {
	return nil
}
