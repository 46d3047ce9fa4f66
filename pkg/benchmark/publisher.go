package benchmark

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sitebench/sitebench/pkg/bus"
	"github.com/sitebench/sitebench/pkg/logging"
	"github.com/sitebench/sitebench/pkg/storage"
)

// Publisher bridges storage events onto the message bus so stream
// consumers (the unified SSE feed, external subscribers over NATS) see
// session and record changes as they commit.
type Publisher struct {
	bus    bus.MessageBus
	logger *logging.Logger
}

// NewPublisher returns a storage observer that republishes events on the
// bus. Register it with storage.Store.AddObserver.
func NewPublisher(b bus.MessageBus, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Publisher{bus: b, logger: logger}
}

var subjectByEvent = map[storage.EventType]string{
	storage.EventSessionCreated:   bus.SubjectSessionCreated,
	storage.EventSessionUpdated:   bus.SubjectSessionUpdated,
	storage.EventSessionCompleted: bus.SubjectSessionCompleted,
	storage.EventSessionDeleted:   bus.SubjectSessionDeleted,
	storage.EventRecordUpdated:    bus.SubjectRecordUpdated,
}

// HandleStorageEvent implements storage.Observer. Publish failures are
// logged and dropped: the store already committed, and bus delivery is
// best effort.
func (p *Publisher) HandleStorageEvent(event storage.Event) {
	subject, ok := subjectByEvent[event.Type]
	if !ok {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(logging.CategoryAPI, "event_marshal_failed", "could not encode bus event", map[string]any{
			"type":  string(event.Type),
			"error": err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.bus.Publish(ctx, subject, payload); err != nil {
		p.logger.Warn(logging.CategoryAPI, "event_publish_failed", "bus publish failed", map[string]any{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}
