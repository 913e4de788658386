package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/dues-engine/billing"
)

// LogSink writes notifications to the log. Used when no webhook is set.
type LogSink struct {
	Log *logrus.Entry
}

func (s LogSink) Send(_ context.Context, n billing.Notification) error {
	s.Log.WithFields(logrus.Fields{
		"organization_id": n.OrganizationID,
		"recipient":       n.RecipientUserID,
		"member_id":       n.MemberID,
		"type":            n.Type,
		"title":           n.Title,
	}).Info(n.Message)
	return nil
}

// WebhookSink POSTs each notification as JSON to a URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	ID              string `json:"id"`
	OrganizationID  string `json:"organization_id"`
	RecipientUserID string `json:"recipient_user_id"`
	MemberID        string `json:"member_id"`
	Type            string `json:"type"`
	Title           string `json:"title"`
	Message         string `json:"message"`
	CreatedAt       string `json:"created_at"`
}

func (s *WebhookSink) Send(ctx context.Context, n billing.Notification) error {
	body, err := json.Marshal(webhookPayload{
		ID:              n.ID,
		OrganizationID:  string(n.OrganizationID),
		RecipientUserID: string(n.RecipientUserID),
		MemberID:        string(n.MemberID),
		Type:            string(n.Type),
		Title:           n.Title,
		Message:         n.Message,
		CreatedAt:       n.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
