package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"
)

// DecodePayload parses an event payload into a JSON object, keeping numbers exact
func DecodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("payload is null")
	}
	return payload, nil
}

// ValidateRecord checks a full record against the model and returns a normalized copy
// holding exactly the declared fields. Failures are RECORD_VALIDATION_FAILURE.
func (r *Registry) ValidateRecord(m *Model, record map[string]any) (map[string]any, error) {
	var problems []string

	for name := range record {
		if _, ok := m.fields[name]; !ok {
			problems = append(problems, fmt.Sprintf("unknown field %q", name))
		}
	}

	out := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		v, present := record[f.Name]
		if !present || v == nil {
			if m.mandatory(f) {
				problems = append(problems, fmt.Sprintf("field %q is required", f.Name))
			}
			out[f.Name] = nil
			continue
		}

		coerced, err := coerce(f.Type, v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("field %q: %v", f.Name, err))
			continue
		}
		// Key and parent columns are stored in the same NFC form KeyPathOf looks them up by
		if s, ok := coerced.(string); ok && m.keyed[f.Name] {
			coerced = encoding.NormalizeText(s)
		}
		if f.Rules != "" {
			if err := r.validate.Var(coerced, f.Rules); err != nil {
				problems = append(problems, fmt.Sprintf("field %q fails rule %q", f.Name, f.Rules))
				continue
			}
		}
		out[f.Name] = coerced
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return nil, models.Permanent(models.ErrRecordValidation, "%s: %s", m.Name, strings.Join(problems, "; "))
	}
	return out, nil
}

// KeyPathOf extracts the primary-key tuple from a record, in key order.
// Failures are KEYPATH_VALIDATION_FAILURE.
func (r *Registry) KeyPathOf(m *Model, record map[string]any) ([]any, error) {
	key := make([]any, len(m.PrimaryKey))
	for i, name := range m.PrimaryKey {
		v, ok := record[name]
		if !ok || v == nil {
			return nil, models.Permanent(models.ErrKeyPathValidation, "%s: key field %q is missing", m.Name, name)
		}
		part, err := encoding.NormalizeKeyPart(v)
		if err != nil {
			return nil, models.Permanent(models.ErrKeyPathValidation, "%s: key field %q: %v", m.Name, name, err)
		}
		if (m.fields[name].Type == TypeString) != isString(part) {
			return nil, models.Permanent(models.ErrKeyPathValidation, "%s: key field %q has the wrong type", m.Name, name)
		}
		key[i] = part
	}
	return key, nil
}

// CheckKeyPath validates a key path received on the wire against the model's key shape
func (r *Registry) CheckKeyPath(m *Model, keyPath []any) ([]any, error) {
	if len(keyPath) != len(m.PrimaryKey) {
		return nil, models.Permanent(models.ErrKeyPathValidation, "%s: key has %d parts, want %d", m.Name, len(keyPath), len(m.PrimaryKey))
	}
	record := make(map[string]any, len(keyPath))
	for i, name := range m.PrimaryKey {
		record[name] = keyPath[i]
	}
	return r.KeyPathOf(m, record)
}

// KeyRecord turns a key path into a record holding only the key fields
func KeyRecord(m *Model, key []any) map[string]any {
	rec := make(map[string]any, len(key))
	for i, name := range m.PrimaryKey {
		if i < len(key) {
			rec[name] = key[i]
		}
	}
	return rec
}

// RunCustomValidation invokes the model hook, if any. Hook errors and panics
// both surface as CUSTOM_VALIDATION_FAILED.
func (r *Registry) RunCustomValidation(m *Model, op models.Operation, record map[string]any) (err error) {
	if m.Validate == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = models.Permanent(models.ErrCustomValidationFailure, "%s: validation hook panicked: %v", m.Name, p)
		}
	}()
	if hookErr := m.Validate(op, record); hookErr != nil {
		return &models.SyncError{
			Type:    models.ErrCustomValidationFailure,
			Message: fmt.Sprintf("%s: %v", m.Name, hookErr),
			Cause:   hookErr,
		}
	}
	return nil
}

// ScopeValue renders an owner key value as a scope key
func ScopeValue(v any) string {
	switch val := v.(type) {
	case string:
		return encoding.NormalizeText(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func coerce(t FieldType, v any) (any, error) {
	switch t {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case TypeInteger:
		return toInt64(v)
	case TypeNumber:
		return toFloat64(v)
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		return b, nil
	case TypeTimestamp:
		return toTimestamp(v)
	case TypeJSON:
		return v, nil
	}
	return nil, fmt.Errorf("unsupported field type %q", t)
}

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %s", val)
		}
		return i, nil
	case float64:
		if val != math.Trunc(val) || math.Abs(val) > 1<<53 {
			return 0, fmt.Errorf("expected integer, got %v", val)
		}
		return int64(val), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int64:
		return float64(val), nil
	case int:
		return float64(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected number, got %s", val)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func toTimestamp(v any) (string, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return "", fmt.Errorf("expected RFC 3339 timestamp, got %q", val)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	return "", fmt.Errorf("expected timestamp, got %T", v)
}
