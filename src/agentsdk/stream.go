package agentsdk

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// StreamCallback is called for each message read from a stream.
type StreamCallback func(raw json.RawMessage) error

// StreamToCallback drains a MessageStream, invoking callback per message.
func StreamToCallback(stream MessageStream, callback StreamCallback) error {
	defer stream.Close()

	for {
		raw, err := stream.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if raw == nil {
			return nil
		}

		if err := callback(raw); err != nil {
			return err
		}
	}
}

// Terminal reports whether the event ends a stream.
func Terminal(ev StreamEvent) bool {
	return ev.Type == EventDone || ev.Type == EventError
}

// CollectText drains an event channel and concatenates text deltas. It is
// mostly useful in tests and one-shot CLI paths where pacing is irrelevant.
// The returned error carries the content of an error event, if one arrived.
func CollectText(events <-chan StreamEvent) (string, error) {
	var text strings.Builder
	var streamErr error

	for ev := range events {
		switch ev.Type {
		case EventText:
			text.WriteString(ev.Content)
		case EventError:
			streamErr = errors.New(ev.Content)
		}
	}

	return text.String(), streamErr
}
