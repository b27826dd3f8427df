package consumer

import (
	"encoding/json"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-webhook-pipeline/core"
)

// message is a stream entry decoded into the fields the pipeline needs.
// Exactly one of Payload or StorageKey is set for a well formed entry.
type message struct {
	EventID    string
	Source     string
	Category   string
	Payload    map[string]any
	StorageKey string
}

// decodeEntry extracts the event reference and payload from raw stream
// fields. The event id may arrive as log_id or id; the payload either
// inline as JSON under payload or data, or as a storage_key reference.
func decodeEntry(entry core.StreamEntry) (message, error) {
	msg := message{
		Source:   strings.TrimSpace(entry.Fields["source"]),
		Category: strings.TrimSpace(entry.Fields["category"]),
	}

	msg.EventID = strings.TrimSpace(entry.Fields["log_id"])
	if msg.EventID == "" {
		msg.EventID = strings.TrimSpace(entry.Fields["id"])
	}
	if msg.EventID == "" {
		return message{}, decodeError("stream entry has no event id")
	}

	raw := entry.Fields["payload"]
	if strings.TrimSpace(raw) == "" {
		raw = entry.Fields["data"]
	}
	if strings.TrimSpace(raw) != "" {
		payload := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return message{}, decodeError("stream entry payload is not valid JSON")
		}
		msg.Payload = payload
		return msg, nil
	}

	msg.StorageKey = strings.TrimSpace(entry.Fields["storage_key"])
	if msg.StorageKey == "" {
		return message{}, decodeError("stream entry has neither payload nor storage_key")
	}
	return msg, nil
}

func decodeError(messageText string) error {
	return goerrors.New("consumer: "+messageText, goerrors.CategoryBadInput).
		WithTextCode(core.PipelineErrorDecodeFailed)
}
