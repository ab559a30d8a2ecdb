package gate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ackarapazar/target-stitch/pkg/singer"
)

// requestBody is the JSON document the Gate accepts on /import/batch.
type requestBody struct {
	TableName     string          `json:"table_name"`
	Schema        json.RawMessage `json:"schema"`
	KeyNames      []string        `json:"key_names"`
	Messages      []wireMessage   `json:"messages"`
	TableVersion  *int64          `json:"table_version,omitempty"`
	BookmarkNames []string        `json:"bookmark_names,omitempty"`
}

// wireMessage is one entry of a request body's messages array.
type wireMessage struct {
	Action        string          `json:"action"`
	Data          json.RawMessage `json:"data,omitempty"`
	Sequence      int64           `json:"sequence"`
	TimeExtracted string          `json:"time_extracted,omitempty"`
}

// Serialize produces the request bodies for one batch.
//
// It builds a single body holding every message and serializes it as
// JSON. If the result reaches maxBytes it splits the message list in
// half and recurs, so the cost of splitting is logarithmic in the
// oversize factor. Concatenating the messages arrays of the returned
// bodies, in order, reproduces the input exactly.
//
// Returns a BatchTooLargeError when even a single message cannot fit.
func Serialize(messages []singer.Message, schema json.RawMessage, keyNames, bookmarkNames []string, maxBytes, maxRecords int) ([][]byte, error) {
	nowMillis := time.Now().UnixMilli()
	return serialize(messages, schema, keyNames, bookmarkNames, maxBytes, maxRecords, nowMillis)
}

func serialize(messages []singer.Message, schema json.RawMessage, keyNames, bookmarkNames []string, maxBytes, maxRecords int, nowMillis int64) ([][]byte, error) {
	wire := make([]wireMessage, 0, len(messages))
	for idx, message := range messages {
		switch msg := message.(type) {
		case *singer.RecordMessage:
			entry := wireMessage{
				Action:   "upsert",
				Data:     msg.Record,
				Sequence: generateSequence(nowMillis, idx, maxRecords),
			}
			if !msg.TimeExtracted.IsZero() {
				entry.TimeExtracted = singer.FormatTimeExtracted(msg.TimeExtracted)
			}
			wire = append(wire, entry)
		case *singer.ActivateVersionMessage:
			wire = append(wire, wireMessage{
				Action:   "activate_version",
				Sequence: generateSequence(nowMillis, idx, maxRecords),
			})
		default:
			return nil, fmt.Errorf("cannot serialize %T message into a batch", message)
		}
	}

	body := requestBody{
		TableName:     singer.BatchStream(messages[0]),
		Schema:        schema,
		KeyNames:      keyNames,
		Messages:      wire,
		TableVersion:  singer.BatchVersion(messages[0]),
		BookmarkNames: bookmarkNames,
	}

	serialized, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("serializing batch: %w", err)
	}

	if len(serialized) < maxBytes {
		return [][]byte{serialized}, nil
	}

	if len(messages) <= 1 {
		return nil, &BatchTooLargeError{MaxBytes: maxBytes}
	}

	pivot := len(messages) / 2
	left, err := serialize(messages[:pivot], schema, keyNames, bookmarkNames, maxBytes, maxRecords, nowMillis)
	if err != nil {
		return nil, err
	}
	right, err := serialize(messages[pivot:], schema, keyNames, bookmarkNames, maxBytes, maxRecords, nowMillis)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// generateSequence builds a unique, strictly increasing sequence number
// from the batch's millisecond timestamp and the message's position.
// The index is zero-padded one order of magnitude past maxRecords since
// a batch can legitimately run somewhat past the configured count.
func generateSequence(nowMillis int64, messageNum, maxRecords int) int64 {
	fill := len(strconv.Itoa(10 * maxRecords))
	base := nowMillis
	for i := 0; i < fill; i++ {
		base *= 10
	}
	return base + int64(messageNum)
}
