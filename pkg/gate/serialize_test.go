package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ackarapazar/target-stitch/pkg/singer"
)

func record(stream string, data string) *singer.RecordMessage {
	return &singer.RecordMessage{Stream: stream, Record: json.RawMessage(data)}
}

type decodedBody struct {
	TableName     string   `json:"table_name"`
	KeyNames      []string `json:"key_names"`
	BookmarkNames []string `json:"bookmark_names"`
	TableVersion  *int64   `json:"table_version"`
	Messages      []struct {
		Action        string          `json:"action"`
		Data          json.RawMessage `json:"data"`
		Sequence      int64           `json:"sequence"`
		TimeExtracted string          `json:"time_extracted"`
	} `json:"messages"`
}

func decodeBodies(t *testing.T, bodies [][]byte) []decodedBody {
	t.Helper()
	out := make([]decodedBody, len(bodies))
	for i, b := range bodies {
		if err := json.Unmarshal(b, &out[i]); err != nil {
			t.Fatalf("body %d is not valid JSON: %v", i, err)
		}
	}
	return out
}

func TestSerializeSingleBody(t *testing.T) {
	messages := []singer.Message{
		record("users", `{"id":1,"name":"Mike"}`),
		record("users", `{"id":2,"name":"Paul"}`),
	}
	schema := json.RawMessage(`{"type":"object"}`)

	bodies, err := Serialize(messages, schema, []string{"id"}, nil, 4000000, 20000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("expected one body, got %d", len(bodies))
	}

	decoded := decodeBodies(t, bodies)[0]
	if decoded.TableName != "users" {
		t.Errorf("expected table_name users, got %s", decoded.TableName)
	}
	if len(decoded.KeyNames) != 1 || decoded.KeyNames[0] != "id" {
		t.Errorf("unexpected key_names: %v", decoded.KeyNames)
	}
	if decoded.BookmarkNames != nil {
		t.Errorf("bookmark_names should be omitted, got %v", decoded.BookmarkNames)
	}
	if decoded.TableVersion != nil {
		t.Errorf("table_version should be omitted, got %d", *decoded.TableVersion)
	}
	if len(decoded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(decoded.Messages))
	}
	for i, m := range decoded.Messages {
		if m.Action != "upsert" {
			t.Errorf("message %d: expected upsert, got %s", i, m.Action)
		}
	}
	if string(decoded.Messages[0].Data) != `{"id":1,"name":"Mike"}` {
		t.Errorf("record data not preserved: %s", decoded.Messages[0].Data)
	}
}

func TestSerializeSequenceMonotonic(t *testing.T) {
	var messages []singer.Message
	for i := 0; i < 50; i++ {
		messages = append(messages, record("users", fmt.Sprintf(`{"id":%d}`, i)))
	}

	bodies, err := Serialize(messages, json.RawMessage(`{}`), []string{"id"}, nil, 4000000, 20000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded := decodeBodies(t, bodies)[0]
	for i := 1; i < len(decoded.Messages); i++ {
		if decoded.Messages[i].Sequence <= decoded.Messages[i-1].Sequence {
			t.Fatalf("sequence not strictly increasing at %d: %d then %d",
				i, decoded.Messages[i-1].Sequence, decoded.Messages[i].Sequence)
		}
	}
}

func TestSerializeSplitsPreservingOrder(t *testing.T) {
	var messages []singer.Message
	for i := 0; i < 20; i++ {
		data := fmt.Sprintf(`{"id":%d,"pad":%q}`, i, strings.Repeat("x", 200))
		messages = append(messages, record("users", data))
	}
	maxBytes := 1200

	bodies, err := Serialize(messages, json.RawMessage(`{"type":"object"}`), []string{"id"}, nil, maxBytes, 20000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bodies) < 2 {
		t.Fatalf("expected a split, got %d bodies", len(bodies))
	}

	var ids []int
	for i, b := range bodies {
		if len(b) >= maxBytes {
			t.Errorf("body %d is %d bytes, limit %d", i, len(b), maxBytes)
		}
		var decoded decodedBody
		if err := json.Unmarshal(b, &decoded); err != nil {
			t.Fatalf("body %d: %v", i, err)
		}
		if len(decoded.Messages) == 0 {
			t.Errorf("body %d is empty", i)
		}
		for _, m := range decoded.Messages {
			var rec struct {
				ID int `json:"id"`
			}
			if err := json.Unmarshal(m.Data, &rec); err != nil {
				t.Fatalf("decoding record: %v", err)
			}
			ids = append(ids, rec.ID)
		}
	}

	if len(ids) != 20 {
		t.Fatalf("expected all 20 records across bodies, got %d", len(ids))
	}
	for i, id := range ids {
		if id != i {
			t.Fatalf("record order not preserved: position %d holds id %d", i, id)
		}
	}
}

func TestSerializeBatchTooLarge(t *testing.T) {
	big := record("users", fmt.Sprintf(`{"id":1,"pad":%q}`, strings.Repeat("x", 5000)))

	_, err := Serialize([]singer.Message{big}, json.RawMessage(`{}`), []string{"id"}, nil, 1000, 20000)
	var tooLarge *BatchTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected BatchTooLargeError, got %v", err)
	}
	if !strings.Contains(tooLarge.Error(), "Mb") {
		t.Errorf("error should report the limit in Mb: %s", tooLarge.Error())
	}
}

func TestSerializeTableVersionAndBookmarks(t *testing.T) {
	version := int64(7)
	messages := []singer.Message{
		&singer.RecordMessage{Stream: "users", Record: json.RawMessage(`{"id":1}`), Version: &version},
		&singer.ActivateVersionMessage{Stream: "users", Version: version},
	}

	bodies, err := Serialize(messages, json.RawMessage(`{}`), []string{"id"}, []string{"updated_at"}, 4000000, 20000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded := decodeBodies(t, bodies)[0]
	if decoded.TableVersion == nil || *decoded.TableVersion != 7 {
		t.Errorf("expected table_version 7, got %v", decoded.TableVersion)
	}
	if len(decoded.BookmarkNames) != 1 || decoded.BookmarkNames[0] != "updated_at" {
		t.Errorf("unexpected bookmark_names: %v", decoded.BookmarkNames)
	}

	av := decoded.Messages[1]
	if av.Action != "activate_version" {
		t.Errorf("expected activate_version, got %s", av.Action)
	}
	if av.Data != nil {
		t.Errorf("activate_version should carry no data, got %s", av.Data)
	}
}

func TestSerializeTimeExtracted(t *testing.T) {
	messages := []singer.Message{
		&singer.RecordMessage{
			Stream:        "users",
			Record:        json.RawMessage(`{"id":1}`),
			TimeExtracted: time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	bodies, err := Serialize(messages, json.RawMessage(`{}`), []string{"id"}, nil, 4000000, 20000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded := decodeBodies(t, bodies)[0]
	if decoded.Messages[0].TimeExtracted != "2023-06-01T12:00:00.000000Z" {
		t.Errorf("unexpected time_extracted: %s", decoded.Messages[0].TimeExtracted)
	}
}

func TestGenerateSequenceWidth(t *testing.T) {
	// With maxRecords 20000 the index field is six digits wide, one
	// order of magnitude past the configured count.
	nowMillis := int64(1700000000000)
	first := generateSequence(nowMillis, 0, 20000)
	second := generateSequence(nowMillis, 1, 20000)

	if second != first+1 {
		t.Errorf("adjacent sequences should differ by 1: %d, %d", first, second)
	}
	if first != nowMillis*1000000 {
		t.Errorf("unexpected base: %d", first)
	}
}
