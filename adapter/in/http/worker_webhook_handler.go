package http

import (
	"context"
	"encoding/base64"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"mailsync_server/core/service/mailsync"
	"mailsync_server/pkg/logger"
)

// NotificationSink accepts decoded push notifications (mailsync.NotificationIntake).
type NotificationSink interface {
	Accept(ctx context.Context, note mailsync.Notification, source string) (mailsync.IntakeOutcome, error)
}

type WebhookMetrics struct {
	Received   int64
	Queued     int64
	Duplicates int64
	Ignored    int64
	Malformed  int64
	Errors     int64
}

// GmailPushNotification is the Pub/Sub push envelope.
type GmailPushNotification struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type WebhookHandler struct {
	intake  NotificationSink
	metrics WebhookMetrics
}

func NewWebhookHandler(intake NotificationSink) *WebhookHandler {
	return &WebhookHandler{intake: intake}
}

func (h *WebhookHandler) Register(app fiber.Router) {
	app.Post("/webhook/gmail", h.GmailWebhook)
	app.Post("/webhooks/gmail", h.GmailWebhook)
}

func (h *WebhookHandler) GetMetrics() WebhookMetrics {
	return WebhookMetrics{
		Received:   atomic.LoadInt64(&h.metrics.Received),
		Queued:     atomic.LoadInt64(&h.metrics.Queued),
		Duplicates: atomic.LoadInt64(&h.metrics.Duplicates),
		Ignored:    atomic.LoadInt64(&h.metrics.Ignored),
		Malformed:  atomic.LoadInt64(&h.metrics.Malformed),
		Errors:     atomic.LoadInt64(&h.metrics.Errors),
	}
}

// GmailWebhook acknowledges a push notification after queueing an
// incremental sync. Only an enqueue failure is answered with a non-2xx so
// Pub/Sub redelivers.
func (h *WebhookHandler) GmailWebhook(c *fiber.Ctx) error {
	atomic.AddInt64(&h.metrics.Received, 1)

	note, ok := decodePushEnvelope(c.Body())
	if !ok {
		atomic.AddInt64(&h.metrics.Malformed, 1)
		logger.Warn("[WebhookHandler.GmailWebhook] malformed notification acknowledged")
		return c.SendStatus(fiber.StatusOK)
	}

	outcome, err := h.intake.Accept(c.Context(), note, "webhook")
	if err != nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		logger.WithError(err).Error("[WebhookHandler.GmailWebhook] failed to queue sync for %s", note.EmailAddress)
		return c.SendStatus(fiber.StatusServiceUnavailable)
	}

	switch outcome {
	case mailsync.IntakeQueued:
		atomic.AddInt64(&h.metrics.Queued, 1)
	case mailsync.IntakeDuplicate:
		atomic.AddInt64(&h.metrics.Duplicates, 1)
	case mailsync.IntakeMalformed:
		atomic.AddInt64(&h.metrics.Malformed, 1)
	default:
		atomic.AddInt64(&h.metrics.Ignored, 1)
	}
	logger.Debug("[WebhookHandler.GmailWebhook] email=%s historyId=%d outcome=%s", note.EmailAddress, note.HistoryID, outcome)
	return c.SendStatus(fiber.StatusOK)
}

func decodePushEnvelope(body []byte) (mailsync.Notification, bool) {
	var envelope GmailPushNotification
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Message.Data == "" {
		return mailsync.Notification{}, false
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		// some push endpoints deliver URL-safe base64
		if data, err = base64.URLEncoding.DecodeString(envelope.Message.Data); err != nil {
			return mailsync.Notification{}, false
		}
	}
	note, err := mailsync.DecodeNotification(data)
	if err != nil {
		return mailsync.Notification{}, false
	}
	return note, true
}
