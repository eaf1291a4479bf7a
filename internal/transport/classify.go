package transport

import (
	"encoding/json"
	"strings"

	"partyoverlay/internal/models"
)

var (
	photoURLKeys    = []string{"url", "photo_url", "image_url"}
	photoNestedKeys = []string{"data", "payload", "photo"}
)

// Message is a non-photo JSON object received from the server.
type Message struct {
	Type   string
	Raw    json.RawMessage
	Fields map[string]any
}

// classify parses one text frame. ok is false for frames that are not JSON
// objects; exactly one of photo and msg is set otherwise.
func classify(data []byte) (photo *models.PhotoEvent, msg *Message, ok bool) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, nil, false
	}
	if p := photoFrom(fields); p != nil {
		return p, nil, true
	}
	for _, k := range photoNestedKeys {
		if nested, isObj := fields[k].(map[string]any); isObj {
			if p := photoFrom(nested); p != nil {
				return p, nil, true
			}
		}
	}
	typ, _ := fields["type"].(string)
	return nil, &Message{Type: typ, Raw: json.RawMessage(data), Fields: fields}, true
}

func photoFrom(fields map[string]any) *models.PhotoEvent {
	for _, k := range photoURLKeys {
		u, isStr := fields[k].(string)
		if !isStr || strings.TrimSpace(u) == "" {
			continue
		}
		p := &models.PhotoEvent{URL: strings.TrimSpace(u), Source: models.PhotoSourcePush}
		if id, isNum := fields["id"].(float64); isNum {
			p.ID = int64(id)
		}
		if name, isStr := fields["name"].(string); isStr {
			p.Name = name
		}
		if by, isNum := fields["added_by"].(float64); isNum {
			p.AddedBy = int64(by)
		}
		return p
	}
	return nil
}
