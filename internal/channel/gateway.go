package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GatewayRequest is the JSON body posted to an HTTP delivery gateway.
type GatewayRequest struct {
	To       string          `json:"to"`
	Title    string          `json:"title,omitempty"`
	Body     string          `json:"body,omitempty"`
	Category string          `json:"category"`
	RecordID string          `json:"record_id"`
	Priority string          `json:"priority"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type gatewayResponse struct {
	ID string `json:"id"`
}

// HTTPGateway is a Provider that posts JSON to a push or SMS gateway.
type HTTPGateway struct {
	name   string
	url    string
	token  string
	client *http.Client
}

// NewHTTPGateway creates a gateway client. name labels errors.
func NewHTTPGateway(name, url, token string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		name:   name,
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Send(ctx context.Context, target string, msg Message) (string, error) {
	body, err := json.Marshal(GatewayRequest{
		To:       target,
		Title:    msg.Title,
		Body:     msg.Body,
		Category: string(msg.Category),
		RecordID: msg.RecordID,
		Priority: string(msg.Priority),
		Data:     msg.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode %s request: %w", g.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", g.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Lets the gateway drop our own retries of an accepted message.
	req.Header.Set("Idempotency-Key", msg.RecordID+":"+g.name)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s gateway: %w", g.name, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ProviderError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s gateway rejected message: %s", g.name, bytes.TrimSpace(raw)),
		}
	}

	var out gatewayResponse
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	if out.ID == "" {
		out.ID = resp.Header.Get("X-Message-Id")
	}
	return out.ID, nil
}
