//go:generate go run go.uber.org/mock/mockgen -source=broadcast.go -destination=../mocks/mock_broadcast.go -package=mocks
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
)

// Frame is the JSON text message exchanged with WebSocket clients.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", event, err)
	}
	return raw, nil
}

// Emitter sends an event to every session joined to a room.
type Emitter interface {
	Emit(ctx context.Context, room, event string, payload any) error
}

// Deliverer hands an already encoded frame to the sessions of a room on this instance
// and reports how many sessions accepted it.
type Deliverer interface {
	Deliver(room string, frame []byte) int
}
