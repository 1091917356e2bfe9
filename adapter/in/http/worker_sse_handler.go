package http

import (
	"bufio"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailsync_server/adapter/out/realtime"
	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/metrics"
)

// =============================================================================
// SSE Handler - RealtimePort 기반
// =============================================================================

const defaultHeartbeat = 30 * time.Second

// SSEHandler streams an owner's realtime events as Server-Sent Events.
type SSEHandler struct {
	port      out.RealtimePort
	heartbeat time.Duration
	log       zerolog.Logger
}

func NewSSEHandler(port out.RealtimePort, heartbeat time.Duration, log zerolog.Logger) *SSEHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &SSEHandler{
		port:      port,
		heartbeat: heartbeat,
		log:       log.With().Str("handler", "sse").Logger(),
	}
}

// Register mounts the stream on a router guarded by middleware.JWTAuth.
// EventSource cannot set headers, so the token may come as ?token=.
func (h *SSEHandler) Register(protected fiber.Router) {
	own := middleware.RequireOwnerParam("owner")
	protected.Get("/events/:owner", own, h.Stream)
	protected.Get("/events/:owner/status", own, h.Status)
}

func (h *SSEHandler) Stream(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}

	connID := uuid.NewString()
	events, err := h.port.Attach(ownerID, connID)
	if err != nil {
		return apperr.New(apperr.CodeProviderUnavailable, "realtime unavailable", fiber.StatusServiceUnavailable)
	}
	metrics.IncRealtime("connected")

	log := h.log.With().Str("owner_id", ownerID.String()).Str("conn_id", connID).Logger()
	log.Info().Msg("SSE client connected")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no") // Nginx buffering 비활성화

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		defer func() {
			h.port.Detach(connID)
			metrics.IncRealtime("disconnected")
			log.Info().Msg("SSE client disconnected")
		}()

		if err := writeConnected(w, connID); err != nil {
			return
		}
		if err := pumpEvents(w, events, ticker.C); err != nil {
			log.Debug().Err(err).Msg("SSE write failed")
		}
	})

	return nil
}

func (h *SSEHandler) Status(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}
	return SuccessResponse(c, fiber.Map{
		"owner_id":    ownerID.String(),
		"connections": h.port.ConnectionCount(ownerID),
	})
}

func writeConnected(w *bufio.Writer, connID string) error {
	data, _ := json.Marshal(map[string]string{"status": "connected", "connection_id": connID})
	w.WriteString("event: " + string(domain.EventConnected) + "\n")
	w.WriteString("data: ")
	w.Write(data)
	w.WriteString("\n\n")
	return w.Flush()
}

// pumpEvents writes events until the channel closes or a write fails.
func pumpEvents(w *bufio.Writer, events <-chan *domain.Event, heartbeat <-chan time.Time) error {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			data, err := realtime.SerializeEvent(event)
			if err != nil {
				continue
			}
			w.WriteString("id: ")
			w.WriteString(event.ID)
			w.WriteString("\nevent: ")
			w.WriteString(string(event.Type))
			w.WriteString("\ndata: ")
			w.Write(data)
			w.WriteString("\n\n")
			if err := w.Flush(); err != nil {
				return err
			}

		case <-heartbeat:
			w.WriteString(": heartbeat\n\n")
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}
