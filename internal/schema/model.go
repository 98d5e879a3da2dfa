package schema

import "github.com/Guizzs26/go-offline-sync/internal/models"

type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInteger   FieldType = "integer"
	TypeNumber    FieldType = "number"
	TypeBoolean   FieldType = "boolean"
	TypeJSON      FieldType = "json"
	TypeTimestamp FieldType = "timestamp"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeJSON, TypeTimestamp:
		return true
	}
	return false
}

// Field is one column of a synced model. Rules are go-playground/validator tags.
type Field struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	Rules    string    `yaml:"rules"`
}

// Parent links a model to the model that owns it. Fields are the local columns
// holding the parent's primary key, in the parent's key order.
type Parent struct {
	Model  string   `yaml:"model"`
	Fields []string `yaml:"fields"`
}

// CustomValidator runs after schema validation. Returning an error rejects the change.
type CustomValidator func(op models.Operation, record map[string]any) error

// Model describes one synced entity type
type Model struct {
	Name       string   `yaml:"name"`
	Table      string   `yaml:"table"`
	Root       bool     `yaml:"root"`
	PrimaryKey []string `yaml:"primaryKey"`
	Fields     []Field  `yaml:"fields"`
	Parent     *Parent  `yaml:"parent"`

	Validate CustomValidator `yaml:"-"`

	fields map[string]Field
	keyed  map[string]bool
}

func (m *Model) Field(name string) (Field, bool) {
	f, ok := m.fields[name]
	return f, ok
}

// Columns returns field names in declaration order
func (m *Model) Columns() []string {
	cols := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = f.Name
	}
	return cols
}

// mandatory reports whether the field must be present and non-null in a record
func (m *Model) mandatory(f Field) bool {
	return f.Required || m.keyed[f.Name]
}
