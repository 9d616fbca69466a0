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

const graphSendURL = "https://graph.facebook.com/v19.0/me/messages"

// Messenger sends through the Facebook Graph Send API. The page access
// token travels in the job's provider payload so one sender instance
// serves every page/organization.
type Messenger struct {
	HTTP    *http.Client
	BaseURL string // test override
}

func NewMessenger(timeout time.Duration) *Messenger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Messenger{HTTP: &http.Client{Timeout: timeout}, BaseURL: graphSendURL}
}

func (m *Messenger) Send(ctx context.Context, msg OutboundMessage) error {
	token := msg.ProviderPayload["page_token"]
	if token == "" {
		return fmt.Errorf("messenger send: missing page_token in provider payload")
	}

	body, err := json.Marshal(map[string]any{
		"recipient":      map[string]string{"id": msg.ChannelUserID},
		"messaging_type": "RESPONSE",
		"message":        map[string]string{"text": msg.Text},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"?access_token="+token, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("messenger send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("messenger send: graph api %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
