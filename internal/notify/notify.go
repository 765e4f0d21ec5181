// Package notify delivers best-effort user notifications about fund events.
// Delivery failures are logged and never propagated; the user retries when a
// confirmation does not arrive.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notifier sends a short message to a user. Implementations must be safe
// for concurrent use.
type Notifier interface {
	Notify(userRef, message string)
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) Notify(string, string) {}

// Webhook posts notifications as JSON to a configured endpoint, typically a
// bot gateway that relays them to the user's chat.
type Webhook struct {
	url        string
	httpClient *http.Client
	log        *slog.Logger
}

// NewWebhook creates a webhook notifier. Returns Noop behavior via nil url.
func NewWebhook(url string, logger *slog.Logger) Notifier {
	if url == "" {
		return Noop{}
	}
	return &Webhook{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: logger.With("component", "notify"),
	}
}

type payload struct {
	UserRef string `json:"user_ref"`
	Message string `json:"message"`
}

// Notify posts the message. Errors are logged, never returned.
func (w *Webhook) Notify(userRef, message string) {
	body, err := json.Marshal(payload{UserRef: userRef, Message: message})
	if err != nil {
		w.log.Error("marshal notification", "error", err)
		return
	}

	resp, err := w.httpClient.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		w.log.Error("send notification", "user", userRef, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.log.Error("send notification", "user", userRef,
			"error", fmt.Sprintf("status %d", resp.StatusCode))
	}
}
