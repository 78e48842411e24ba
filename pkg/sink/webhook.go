// Copyright 2024 The apexhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apexsec/apexhub/pkg/alert"
)

// WebhookNotifier POSTs alerts at or above a severity threshold to an
// operator notification endpoint (the push/SMS/email gateway). Alerts below
// the threshold are skipped silently.
type WebhookNotifier struct {
	url         string
	minSeverity alert.Severity
	client      *http.Client
}

// NewWebhookNotifier creates a notifier for the given endpoint. Only alerts
// with severity at or above minSeverity are forwarded.
func NewWebhookNotifier(url string, timeout time.Duration, minSeverity alert.Severity) *WebhookNotifier {
	return &WebhookNotifier{
		url:         url,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Name() string {
	return "webhook"
}

// Start is a no-op; the notifier holds no connection state.
func (n *WebhookNotifier) Start(ctx context.Context) error {
	return nil
}

// Deliver posts the alert as JSON when its severity crosses the threshold.
func (n *WebhookNotifier) Deliver(ctx context.Context, a *alert.Alert) error {
	if !a.Severity.AtLeast(n.minSeverity) {
		return nil
	}

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (n *WebhookNotifier) Close() error {
	n.client.CloseIdleConnections()
	return nil
}
