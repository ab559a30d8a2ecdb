package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ackarapazar/target-stitch/pkg/singer"
)

// ValidationError is a record that failed schema validation or is
// missing a key property. Index is the record's position within the
// batch.
type ValidationError struct {
	Index int
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message %d does not pass schema validation: %v", e.Index, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// ValidatingSink checks every record against the stream's schema and
// drops the batch. Used by dry runs to vet a tap's output without
// touching the Gate.
//
// Records are decoded with json.Number so floating-point values are
// validated as exact decimals rather than binary doubles; the HTTP
// path deliberately does not do this (the Gate's own handling rounds
// identically).
type ValidatingSink struct {
	logger zerolog.Logger
}

// NewValidatingSink creates the dry-run sink.
func NewValidatingSink(logger *zerolog.Logger) *ValidatingSink {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &ValidatingSink{logger: l}
}

// HandleBatch validates every record in the batch, failing on the
// first offender. Every key property must also be present in each
// record.
func (s *ValidatingSink) HandleBatch(_ context.Context, batch Batch) error {
	schema, err := compileSchema(batch.Schema)
	if err != nil {
		return fmt.Errorf("compiling schema for stream %q: %w", batch.Stream(), err)
	}

	for i, message := range batch.Messages {
		record, ok := message.(*singer.RecordMessage)
		if !ok {
			continue
		}

		data, err := decodeRecord(record.Record)
		if err != nil {
			return &ValidationError{Index: i, Cause: err}
		}
		if err := schema.Validate(data); err != nil {
			return &ValidationError{Index: i, Cause: err}
		}

		fields, _ := data.(map[string]interface{})
		for _, key := range batch.KeyNames {
			if _, present := fields[key]; !present {
				return &ValidationError{
					Index: i,
					Cause: fmt.Errorf("record is missing key property %s", key),
				}
			}
		}
	}

	s.logger.Info().
		Str("table", batch.Stream()).
		Int("messages", len(batch.Messages)).
		Msg("Batch is valid")
	return nil
}

// compileSchema builds a Draft-4 validator with format assertions, the
// draft and checks the Gate itself applies.
func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft4
	compiler.AssertFormat = true
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// decodeRecord parses record data keeping numbers as json.Number.
func decodeRecord(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("record is not valid JSON: %w", err)
	}
	return v, nil
}
