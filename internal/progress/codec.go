package progress

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireEvent is the JSON envelope used on the SSE stream:
//
//	{"event":"progress","data":{"chunkLength":512}}
type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MarshalEvent encodes ev into its tagged JSON form.
func MarshalEvent(ev Event) ([]byte, error) {
	var data []byte
	switch e := ev.(type) {
	case Started, Progress:
		var err error
		data, err = json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
		}
	case Finished:
	default:
		return nil, fmt.Errorf("unsupported event type %T", ev)
	}
	return json.Marshal(wireEvent{Event: string(ev.Kind()), Data: data})
}

// UnmarshalEvent decodes a tagged JSON event. Tags are matched without regard
// to case. An unknown tag yields ok=false and no error so that newer
// producers can add variants without breaking older consumers.
func UnmarshalEvent(b []byte) (ev Event, ok bool, err error) {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, false, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	switch Kind(strings.ToLower(w.Event)) {
	case KindStarted:
		var s Started
		if err := decodeData(w.Data, &s); err != nil {
			return nil, false, err
		}
		return s, true, nil
	case KindProgress:
		var p Progress
		if err := decodeData(w.Data, &p); err != nil {
			return nil, false, err
		}
		return p, true, nil
	case KindFinished:
		return Finished{}, true, nil
	default:
		return nil, false, nil
	}
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode event data: %w", err)
	}
	return nil
}
