package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/pkg/httpretry"
	"github.com/segflow/segflow/internal/pkg/logger"
)

const postmarkBaseURL = "https://api.postmarkapp.com"

// postmarkTransport talks to the Postmark single-email endpoint directly;
// the API is one JSON POST, not worth an SDK.
type postmarkTransport struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
}

func newPostmarkTransport(apiKey string, client httpretry.HTTPDoer) *postmarkTransport {
	return &postmarkTransport{apiKey: apiKey, baseURL: postmarkBaseURL, client: client}
}

func (t *postmarkTransport) Send(ctx context.Context, from, to, subject, html string) error {
	if t.apiKey == "" {
		return faults.Transportf("postmark", "API key not configured")
	}

	payload := struct {
		From          string `json:"From"`
		To            string `json:"To"`
		Subject       string `json:"Subject"`
		HTMLBody      string `json:"HtmlBody"`
		MessageStream string `json:"MessageStream"`
	}{from, to, subject, html, "outbound"}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal postmark payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return faults.Transportf("postmark", "%v", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		var pmErr struct {
			ErrorCode int    `json:"ErrorCode"`
			Message   string `json:"Message"`
		}
		json.Unmarshal(respBody, &pmErr)
		if pmErr.Message != "" {
			return faults.Transportf("postmark", "error %d: %s", pmErr.ErrorCode, pmErr.Message)
		}
		return faults.Transportf("postmark", "status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		MessageID string `json:"MessageID"`
	}
	json.Unmarshal(respBody, &result)
	logger.Debug("postmark accepted message", "id", result.MessageID)
	return nil
}
