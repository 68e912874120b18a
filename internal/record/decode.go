package record

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaCUE string

// ErrInvalid is wrapped by every error returned from Decode.
var ErrInvalid = errors.New("invalid processing record")

// cue.Context is not safe for concurrent use.
var (
	schemaMu     sync.Mutex
	schemaCtx    *cue.Context
	recordSchema cue.Value
)

func loadSchema() cue.Value {
	if schemaCtx == nil {
		schemaCtx = cuecontext.New()
		recordSchema = schemaCtx.CompileString(schemaCUE).LookupPath(cue.ParsePath("#Record"))
	}
	return recordSchema
}

// Decode validates data against the record schema and unmarshals it.
// Unknown fields, unknown operations or statuses and blank identities are
// rejected with an error wrapping ErrInvalid.
func Decode(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, fmt.Errorf("%w: empty payload", ErrInvalid)
	}
	if err := validate(data); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return r, nil
}

func validate(data []byte) error {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	schema := loadSchema()
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	v := schemaCtx.CompileBytes(data)
	if err := v.Err(); err != nil {
		return err
	}
	return schema.Unify(v).Validate(cue.Concrete(true))
}

// Encode marshals r for use as an orchestration input.
func Encode(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}
