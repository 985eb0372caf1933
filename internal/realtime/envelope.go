package realtime

import (
	"encoding/json"

	"github.com/example/ride-tracking/internal/apperr"
)

const eventAck = "ack"

// Frame is the wire envelope for both directions. Inbound frames carry an
// optional ID that is echoed on the matching ack.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Ack is the reply payload for every inbound event.
type Ack map[string]any

func ackOK(message string) Ack {
	a := Ack{"success": true}
	if message != "" {
		a["message"] = message
	}
	return a
}

func (a Ack) with(key string, v any) Ack {
	a[key] = v
	return a
}

func ackErr(err error) Ack {
	return Ack{
		"success": false,
		"message": apperr.PublicMessage(err),
		"code":    apperr.CodeOf(err),
	}
}

func encode(event, id string, data any) ([]byte, error) {
	return json.Marshal(outFrame{Event: event, ID: id, Data: data})
}

// decode unmarshals the frame payload into dst and validates nothing else;
// an empty payload leaves dst untouched.
func decode(f Frame, dst any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, err, "malformed payload for "+f.Event)
	}
	return nil
}
