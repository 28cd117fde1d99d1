// Package wsmarshaller maps domain events to the JSON envelope WebSocket
// clients receive.
package wsmarshaller

import (
	"encoding/json"

	"github.com/nexachat/delivery-service/internal/domain/event"
	"github.com/nexachat/delivery-service/internal/domain/model"
)

// WSEvent is the wrapper every outbound frame shares.
type WSEvent struct {
	Event   string `json:"event"` // e.g. "new-message", "user-typing"
	ID      string `json:"id"`    // receivers de-duplicate by event+id
	SentAt  int64  `json:"sent_at"`
	Payload any    `json:"payload"`
}

// MarshalDeliveryEvent prepares an event for WebSocket transmission.
func MarshalDeliveryEvent(ev event.Eventer) ([]byte, error) {
	res := &WSEvent{
		Event:  ev.GetKind().String(),
		ID:     ev.GetID(),
		SentAt: ev.GetOccurredAt(),
	}

	// Messages get a dedicated client-facing shape; the remaining payloads
	// are purpose-built structs that marshal as-is.
	switch p := ev.GetPayload().(type) {
	case *model.Message:
		res.Payload = mapMessage(p)
	default:
		res.Payload = p
	}

	return json.Marshal(res)
}
