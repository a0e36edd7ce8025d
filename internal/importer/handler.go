package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/baymingyih/KR7/internal/consumer"
	"github.com/baymingyih/KR7/internal/domain"
	"github.com/baymingyih/KR7/internal/provider/strava"
	"github.com/baymingyih/KR7/pkg/events"
)

// Handler runs an import cycle for every import.requested message.
type Handler struct {
	importer *Importer
	logger   *zap.Logger
}

var _ consumer.Handler = (*Handler)(nil)

// NewHandler wraps imp for use with consumer.Processor.
func NewHandler(imp *Importer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{importer: imp, logger: logger}
}

// Handle decodes the request and imports. Requests that cannot succeed on
// another attempt are acknowledged: an owner who is not connected, or a
// provider answer that is not retryable. Every other failure is returned and
// the processor hands the message back until it succeeds.
func (h *Handler) Handle(ctx context.Context, msg consumer.Message) error {
	if msg.EventType != events.TypeImportRequested {
		h.logger.Debug("ignoring message", zap.String("event_type", msg.EventType))
		return nil
	}

	var payload events.ImportRequested
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.logger.Warn("malformed import request", zap.Error(err))
		return nil
	}
	if payload.OwnerID == "" {
		payload.OwnerID = msg.OwnerID
	}
	if payload.OwnerID == "" || payload.EventID == "" {
		h.logger.Warn("import request missing owner or event", zap.Int64("offset", msg.Offset))
		return nil
	}

	result, err := h.importer.ImportRecent(ctx, Request{
		OwnerID: payload.OwnerID,
		EventID: payload.EventID,
		Since:   payload.Since,
	})
	var httpErr *strava.HTTPError
	switch {
	case err == nil:
		h.logger.Debug("import request handled",
			zap.String("owner_id", payload.OwnerID),
			zap.Int("imported", len(result.Imported)),
			zap.Time("watermark", result.Watermark),
		)
		return nil
	case errors.Is(err, domain.ErrNotConnected):
		h.logger.Info("import skipped, provider not connected",
			zap.String("owner_id", payload.OwnerID),
			zap.Error(err),
		)
		return nil
	case errors.As(err, &httpErr) && !httpErr.Retryable():
		h.logger.Warn("import dropped, provider rejected the request",
			zap.String("owner_id", payload.OwnerID),
			zap.Int("status", httpErr.StatusCode),
			zap.String("url", httpErr.URL),
			zap.Error(err),
		)
		return nil
	default:
		return fmt.Errorf("import for %s: %w", payload.OwnerID, err)
	}
}
