// Package schematest provides a small board/card model set for tests.
package schematest

import (
	"testing"

	"github.com/Guizzs26/go-offline-sync/internal/schema"
)

// YAML describes User (root) -> Board -> Card
const YAML = `
models:
  - name: User
    root: true
    primaryKey: [id]
    fields:
      - {name: id, type: string}
      - {name: name, type: string}
  - name: Board
    table: boards
    primaryKey: [id]
    parent: {model: User, fields: [userId]}
    fields:
      - {name: id, type: string}
      - {name: userId, type: string}
      - {name: title, type: string, rules: "max=200"}
      - {name: archived, type: boolean}
      - {name: meta, type: json}
  - name: Card
    table: cards
    primaryKey: [id]
    parent: {model: Board, fields: [boardId]}
    fields:
      - {name: id, type: string}
      - {name: boardId, type: string}
      - {name: text, type: string, required: true}
      - {name: position, type: integer, rules: "gte=0"}
      - {name: dueAt, type: timestamp}
`

// Registry parses YAML and fails the test on error
func Registry(t testing.TB) *schema.Registry {
	t.Helper()
	reg, err := schema.Parse([]byte(YAML))
	if err != nil {
		t.Fatalf("schematest: %v", err)
	}
	return reg
}
