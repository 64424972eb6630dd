// Package notify delivers fire-and-forget approver notifications. Failures
// are logged and suppressed; they never roll back workflow state.
package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
)

type Notifier interface {
	NotifyApprover(role, initiativeID string, stage domain.Stage)
}

const defaultTimeout = 5 * time.Second

// New builds a notifier from config: webhook fan-out when URLs are
// configured, plain logging otherwise.
func New(cfg *config.Config, logger *log.Logger) Notifier {
	if logger == nil {
		logger = log.Default()
	}
	if cfg != nil && len(cfg.Notifications.Webhooks) > 0 {
		return &WebhookNotifier{
			Webhooks: cfg.Notifications.Webhooks,
			Client:   &http.Client{Timeout: defaultTimeout},
			Logger:   logger,
		}
	}
	return LogNotifier{Logger: logger}
}

type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) NotifyApprover(role, initiativeID string, stage domain.Stage) {
	n.Logger.Printf("notify approver role=%s initiative=%s stage=%s", role, initiativeID, stage)
}

// WebhookNotifier posts one JSON payload per configured webhook.
type WebhookNotifier struct {
	Webhooks []config.WebhookConfig
	Client   *http.Client
	Logger   *log.Logger
}

type webhookPayload struct {
	Role         string `json:"role"`
	InitiativeID string `json:"initiative_id"`
	Stage        string `json:"stage"`
	SentAt       string `json:"sent_at"`
}

func (n *WebhookNotifier) NotifyApprover(role, initiativeID string, stage domain.Stage) {
	body, err := json.Marshal(webhookPayload{
		Role:         role,
		InitiativeID: initiativeID,
		Stage:        string(stage),
		SentAt:       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.Logger.Printf("notify: marshal payload: %v", err)
		return
	}
	for _, wh := range n.Webhooks {
		res, err := n.Client.Post(wh.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			n.Logger.Printf("notify: post %s: %v", wh.URL, err)
			continue
		}
		res.Body.Close()
		if res.StatusCode >= 300 {
			n.Logger.Printf("notify: post %s: status %d", wh.URL, res.StatusCode)
		}
	}
}
