package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/pkg/rabbitmq"
)

const publishTimeout = 5 * time.Second

// eventSink publishes domain events after the owning transaction has
// committed. Failures are logged and never surface to the caller.
type eventSink struct {
	publisher rabbitmq.Publisher
	exchange  string
	logger    *slog.Logger
}

func (e eventSink) publish(ctx context.Context, routingKey string, body interface{}) {
	if e.publisher == nil {
		return
	}
	// The caller's request may already be finishing; the event must still go out.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(pubCtx, e.exchange, routingKey, body); err != nil {
		e.logger.Warn("event publish failed", "component", "events", "routing_key", routingKey, "err", err)
	}
}

// optionalID renders a nullable id for log attributes.
func optionalID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
