package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// EncodeRow maps a validated record to storage values, one per declared field.
// JSON fields are stored as their serialized text.
func EncodeRow(m *Model, record map[string]any) (map[string]any, error) {
	row := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		v, ok := record[f.Name]
		if !ok || v == nil {
			row[f.Name] = nil
			continue
		}
		if f.Type == TypeJSON {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", m.Name, f.Name, err)
			}
			row[f.Name] = string(b)
			continue
		}
		row[f.Name] = v
	}
	return row, nil
}

// DecodeRow converts scanned column values back into record values.
// columns and values are parallel; columns not declared on the model are ignored.
func DecodeRow(m *Model, columns []string, values []any) (map[string]any, error) {
	rec := make(map[string]any, len(columns))
	for i, col := range columns {
		f, ok := m.fields[col]
		if !ok {
			continue
		}
		v, err := decodeValue(f.Type, values[i])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", m.Name, col, err)
		}
		rec[col] = v
	}
	return rec, nil
}

func decodeValue(t FieldType, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}

	switch t {
	case TypeString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprint(raw), nil
	case TypeInteger:
		if s, ok := raw.(string); ok {
			return strconv.ParseInt(s, 10, 64)
		}
		return toInt64(raw)
	case TypeNumber:
		if s, ok := raw.(string); ok {
			return strconv.ParseFloat(s, 64)
		}
		return toFloat64(raw)
	case TypeBoolean:
		switch val := raw.(type) {
		case bool:
			return val, nil
		case int64:
			return val != 0, nil
		case string:
			return strconv.ParseBool(val)
		}
	case TypeTimestamp:
		return toTimestamp(raw)
	case TypeJSON:
		s, ok := raw.(string)
		if !ok {
			return raw, nil
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(s)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("cannot decode %T as %s", raw, t)
}
