package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/aluiziolira/go-market-watch/retry"
)

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func send(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

// Ntfy posts to an ntfy topic URL.
type Ntfy struct {
	TopicURL string
	Client   *http.Client
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) Notify(ctx context.Context, p Payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.TopicURL, strings.NewReader(p.Message()))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build ntfy request: %w", err))
	}
	req.Header.Set("Title", mime.QEncoding.Encode("utf-8", p.Subject()))
	req.Header.Set("Priority", "urgent")
	req.Header.Set("Tags", "bell,vibration")
	if p.Link != "" {
		req.Header.Set("Click", p.Link)
	}
	return send(defaultClient(n.Client), req)
}

// Webhook posts the payload as JSON to an arbitrary endpoint.
type Webhook struct {
	URL     string
	Method  string
	Headers map[string]string
	Client  *http.Client
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Notify(ctx context.Context, p Payload) error {
	body, err := json.Marshal(struct {
		Payload
		Subject string `json:"subject"`
		Message string `json:"message"`
	}{Payload: p, Subject: p.Subject(), Message: p.Message()})
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode webhook body: %w", err))
	}
	method := w.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, w.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	return send(defaultClient(w.Client), req)
}
