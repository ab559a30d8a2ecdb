// Package singer implements the tap/target line protocol: one JSON
// object per line, tagged by a "type" field (SCHEMA, RECORD,
// ACTIVATE_VERSION, STATE).
//
// Record data and schemas are kept as json.RawMessage so the bytes a
// tap produced are the bytes sent to the Gate, with no intermediate
// float round-trip.
package singer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimeExtractedFormat is the wire format for the time_extracted field,
// always rendered in UTC with microsecond precision.
const TimeExtractedFormat = "2006-01-02T15:04:05.000000Z"

// Common parse errors.
var (
	ErrMissingType   = errors.New(`message is missing required field "type"`)
	ErrMissingStream = errors.New(`message is missing required field "stream"`)
)

// Message is one parsed protocol message. The concrete type is one of
// *SchemaMessage, *RecordMessage, *ActivateVersionMessage or
// *StateMessage.
type Message interface {
	messageType() string
}

// SchemaMessage declares the JSON schema and key properties for a
// stream. It replaces any previous schema for that stream.
type SchemaMessage struct {
	Stream             string
	Schema             json.RawMessage
	KeyProperties      []string
	BookmarkProperties []string
}

// RecordMessage carries one upserted row for a stream.
type RecordMessage struct {
	Stream string
	Record json.RawMessage

	// Version is nil when the tap did not send one.
	Version *int64

	// TimeExtracted is the zero value when the tap did not send one.
	TimeExtracted time.Time
}

// ActivateVersionMessage signals that a table version is now complete.
type ActivateVersionMessage struct {
	Stream  string
	Version int64
}

// StateMessage carries an opaque checkpoint value owned by the tap.
type StateMessage struct {
	Value json.RawMessage
}

func (*SchemaMessage) messageType() string          { return "SCHEMA" }
func (*RecordMessage) messageType() string          { return "RECORD" }
func (*ActivateVersionMessage) messageType() string { return "ACTIVATE_VERSION" }
func (*StateMessage) messageType() string           { return "STATE" }

// BatchStream returns the stream name for messages that can be
// buffered into a batch (RECORD and ACTIVATE_VERSION), and "" for
// anything else.
func BatchStream(m Message) string {
	switch msg := m.(type) {
	case *RecordMessage:
		return msg.Stream
	case *ActivateVersionMessage:
		return msg.Stream
	}
	return ""
}

// BatchVersion returns the table version carried by a batchable
// message, or nil when it has none.
func BatchVersion(m Message) *int64 {
	switch msg := m.(type) {
	case *RecordMessage:
		return msg.Version
	case *ActivateVersionMessage:
		v := msg.Version
		return &v
	}
	return nil
}

// SameVersion reports whether two optional table versions are equal.
func SameVersion(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// rawMessage is the envelope every line decodes into before the tagged
// variant is built.
type rawMessage struct {
	Type               string          `json:"type"`
	Stream             string          `json:"stream"`
	Schema             json.RawMessage `json:"schema"`
	KeyProperties      []string        `json:"key_properties"`
	BookmarkProperties []string        `json:"bookmark_properties"`
	Record             json.RawMessage `json:"record"`
	Version            *int64          `json:"version"`
	TimeExtracted      string          `json:"time_extracted"`
	Value              json.RawMessage `json:"value"`
}

// ParseMessage parses one protocol line into its tagged variant.
func ParseMessage(line []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("unable to parse message: %w", err)
	}

	switch raw.Type {
	case "SCHEMA":
		if raw.Stream == "" {
			return nil, fmt.Errorf("SCHEMA: %w", ErrMissingStream)
		}
		if len(raw.Schema) == 0 {
			return nil, errors.New(`SCHEMA message is missing required field "schema"`)
		}
		if raw.KeyProperties == nil {
			return nil, errors.New(`SCHEMA message is missing required field "key_properties"`)
		}
		return &SchemaMessage{
			Stream:             raw.Stream,
			Schema:             raw.Schema,
			KeyProperties:      raw.KeyProperties,
			BookmarkProperties: raw.BookmarkProperties,
		}, nil

	case "RECORD":
		if raw.Stream == "" {
			return nil, fmt.Errorf("RECORD: %w", ErrMissingStream)
		}
		if len(raw.Record) == 0 {
			return nil, errors.New(`RECORD message is missing required field "record"`)
		}
		msg := &RecordMessage{
			Stream:  raw.Stream,
			Record:  raw.Record,
			Version: raw.Version,
		}
		if raw.TimeExtracted != "" {
			t, err := parseTimeExtracted(raw.TimeExtracted)
			if err != nil {
				return nil, fmt.Errorf("RECORD: bad time_extracted %q: %w", raw.TimeExtracted, err)
			}
			msg.TimeExtracted = t
		}
		return msg, nil

	case "ACTIVATE_VERSION":
		if raw.Stream == "" {
			return nil, fmt.Errorf("ACTIVATE_VERSION: %w", ErrMissingStream)
		}
		if raw.Version == nil {
			return nil, errors.New(`ACTIVATE_VERSION message is missing required field "version"`)
		}
		return &ActivateVersionMessage{Stream: raw.Stream, Version: *raw.Version}, nil

	case "STATE":
		if len(raw.Value) == 0 {
			return nil, errors.New(`STATE message is missing required field "value"`)
		}
		return &StateMessage{Value: raw.Value}, nil

	case "":
		return nil, ErrMissingType

	default:
		return nil, fmt.Errorf("unknown message type %q", raw.Type)
	}
}

// parseTimeExtracted accepts RFC 3339 timestamps with or without
// fractional seconds, which covers every tap in the wild.
func parseTimeExtracted(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, TimeExtractedFormat} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("unrecognized timestamp format")
}

// FormatTimeExtracted renders a timestamp in the wire format.
func FormatTimeExtracted(t time.Time) string {
	return t.UTC().Format(TimeExtractedFormat)
}
