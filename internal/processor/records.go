package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

// ImportParams are the parameters of a BULK_IMPORT task.
type ImportParams struct {
	Entity         string   `json:"entity"`                    // e.g. "students"
	KeyField       string   `json:"key_field"`                 // field used for upserts
	RequiredFields []string `json:"required_fields,omitempty"` // fields every record must carry
}

// RecordSink stores imported records.
type RecordSink interface {
	// Upsert stores rec under key and reports whether it replaced a record.
	Upsert(ctx context.Context, entity, key string, rec map[string]any) (updated bool, err error)
}

// RecordImporter is the BULK_IMPORT processor.
type RecordImporter struct {
	sink RecordSink
}

func NewRecordImporter(sink RecordSink) *RecordImporter {
	return &RecordImporter{sink: sink}
}

func (r *RecordImporter) Validate(p types.Payload) error {
	if err := requireItems(p); err != nil {
		return err
	}
	params, err := Decode[ImportParams](p.Params)
	if err != nil {
		return invalid("params: %v", err)
	}
	if params.Entity == "" {
		return invalid("params.entity is required")
	}
	if params.KeyField == "" {
		return invalid("params.key_field is required")
	}
	return nil
}

func (r *RecordImporter) Process(ctx context.Context, item Item) (string, error) {
	params, err := Decode[ImportParams](item.Params)
	if err != nil {
		return "", Fatal(fmt.Errorf("params: %v", err))
	}

	var rec map[string]any
	if err := json.Unmarshal(item.Raw, &rec); err != nil || rec == nil {
		return "", errors.New("record is not a JSON object")
	}

	key, ok := field(rec, params.KeyField)
	if !ok {
		return "", fmt.Errorf("missing key field %q", params.KeyField)
	}
	for _, f := range params.RequiredFields {
		if _, ok := field(rec, f); !ok {
			return "", fmt.Errorf("missing required field %q", f)
		}
	}

	updated, err := r.sink.Upsert(ctx, params.Entity, key, rec)
	if err != nil {
		return "", err
	}
	if updated {
		return "updated " + key, nil
	}
	return "created " + key, nil
}

// field returns the non-empty string form of rec[name].
func field(rec map[string]any, name string) (string, bool) {
	v, ok := rec[name]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	return s, s != ""
}

// MemorySink is an in-process RecordSink.
type MemorySink struct {
	mu      sync.Mutex
	records map[string]map[string]map[string]any
}

func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]map[string]map[string]any)}
}

func (s *MemorySink) Upsert(ctx context.Context, entity, key string, rec map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.records[entity]
	if !ok {
		byKey = make(map[string]map[string]any)
		s.records[entity] = byKey
	}
	_, existed := byKey[key]
	byKey[key] = rec
	return existed, nil
}

// Count returns the number of records stored for entity.
func (s *MemorySink) Count(entity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[entity])
}

// Get returns a stored record.
func (s *MemorySink) Get(entity, key string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[entity][key]
	return rec, ok
}
