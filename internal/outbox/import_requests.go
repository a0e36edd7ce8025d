package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/baymingyih/KR7/pkg/events"
)

// ImportRequester publishes import.requested jobs straight to Kafka. These jobs
// carry no ledger state, so they bypass the outbox table.
type ImportRequester struct {
	producer messageWriter
	topic    string
	now      func() time.Time
}

// NewImportRequester publishes to topic through producer.
func NewImportRequester(producer messageWriter, topic string) *ImportRequester {
	return &ImportRequester{producer: producer, topic: topic, now: time.Now}
}

// Request enqueues one import cycle for ownerID counted towards eventID.
func (r *ImportRequester) Request(ctx context.Context, ownerID, eventID string, since *time.Time) error {
	if ownerID == "" || eventID == "" {
		return errors.New("owner and event are required")
	}
	body, err := json.Marshal(events.ImportRequested{
		OwnerID:     ownerID,
		EventID:     eventID,
		Since:       since,
		RequestedAt: r.now().UTC(),
	})
	if err != nil {
		return err
	}
	msg := Message{EventType: events.TypeImportRequested, PartitionKey: ownerID, Payload: body}
	return r.producer.WriteMessages(ctx, r.topic, msg.Record(r.now().UTC()))
}
