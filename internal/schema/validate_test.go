package schema_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/schema"
	"github.com/Guizzs26/go-offline-sync/internal/schema/schematest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncErrType(t *testing.T, err error) models.ErrorType {
	t.Helper()
	var se *models.SyncError
	require.True(t, errors.As(err, &se), "expected SyncError, got %v", err)
	return se.Type
}

func TestValidateRecord(t *testing.T) {
	reg := schematest.Registry(t)
	card, _ := reg.Model("Card")

	payload, err := schema.DecodePayload(json.RawMessage(`{"id":"c1","boardId":"b1","text":"hi","position":3,"dueAt":"2026-01-02T03:04:05+02:00"}`))
	require.NoError(t, err)

	rec, err := reg.ValidateRecord(card, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec["position"])
	assert.Equal(t, "2026-01-02T01:04:05Z", rec["dueAt"])
	assert.Equal(t, "hi", rec["text"])
}

func TestValidateRecord_Failures(t *testing.T) {
	reg := schematest.Registry(t)
	card, _ := reg.Model("Card")

	cases := map[string]string{
		"unknown field":  `{"id":"c1","boardId":"b1","text":"x","color":"red"}`,
		"missing text":   `{"id":"c1","boardId":"b1"}`,
		"missing parent": `{"id":"c1","text":"x"}`,
		"wrong type":     `{"id":"c1","boardId":"b1","text":7}`,
		"fraction":       `{"id":"c1","boardId":"b1","text":"x","position":1.5}`,
		"rule":           `{"id":"c1","boardId":"b1","text":"x","position":-1}`,
		"bad timestamp":  `{"id":"c1","boardId":"b1","text":"x","dueAt":"tomorrow"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			payload, err := schema.DecodePayload(json.RawMessage(raw))
			require.NoError(t, err)
			_, err = reg.ValidateRecord(card, payload)
			assert.Equal(t, models.ErrRecordValidation, syncErrType(t, err))
		})
	}
}

func TestDecodePayload_RejectsNonObjects(t *testing.T) {
	for _, raw := range []string{``, `null`, `[1]`, `"x"`, `{`} {
		_, err := schema.DecodePayload(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestKeyPathOf(t *testing.T) {
	reg := schematest.Registry(t)
	board, _ := reg.Model("Board")

	key, err := reg.KeyPathOf(board, map[string]any{"id": "b1"})
	require.NoError(t, err)
	assert.Equal(t, []any{"b1"}, key)

	_, err = reg.KeyPathOf(board, map[string]any{"title": "x"})
	assert.Equal(t, models.ErrKeyPathValidation, syncErrType(t, err))

	_, err = reg.KeyPathOf(board, map[string]any{"id": json.Number("12")})
	assert.Equal(t, models.ErrKeyPathValidation, syncErrType(t, err))

	_, err = reg.CheckKeyPath(board, []any{"b1", "extra"})
	assert.Equal(t, models.ErrKeyPathValidation, syncErrType(t, err))
}

func TestRunCustomValidation(t *testing.T) {
	reg := schematest.Registry(t)
	board, _ := reg.Model("Board")

	require.NoError(t, reg.RunCustomValidation(board, models.OpCreate, nil))

	require.NoError(t, reg.SetValidator("Board", func(op models.Operation, rec map[string]any) error {
		if rec["title"] == "forbidden" {
			return errors.New("title is reserved")
		}
		if rec["title"] == "boom" {
			panic("hook exploded")
		}
		return nil
	}))

	assert.NoError(t, reg.RunCustomValidation(board, models.OpCreate, map[string]any{"title": "ok"}))

	err := reg.RunCustomValidation(board, models.OpCreate, map[string]any{"title": "forbidden"})
	assert.Equal(t, models.ErrCustomValidationFailure, syncErrType(t, err))
	assert.True(t, models.IsPermanent(err))

	err = reg.RunCustomValidation(board, models.OpUpdate, map[string]any{"title": "boom"})
	assert.Equal(t, models.ErrCustomValidationFailure, syncErrType(t, err))
	assert.Contains(t, err.Error(), "hook exploded")

	assert.Error(t, reg.SetValidator("Nope", nil))
}

func TestRowCodec(t *testing.T) {
	reg := schematest.Registry(t)
	board, _ := reg.Model("Board")

	row, err := schema.EncodeRow(board, map[string]any{
		"id": "b1", "userId": "u1", "title": "T", "archived": true,
		"meta": map[string]any{"color": "red"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"color":"red"}`, row["meta"])

	rec, err := schema.DecodeRow(board,
		[]string{"id", "userId", "title", "archived", "meta"},
		[]any{"b1", []byte("u1"), nil, int64(1), `{"n":1}`},
	)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec["userId"])
	assert.Nil(t, rec["title"])
	assert.Equal(t, true, rec["archived"])
	assert.Equal(t, map[string]any{"n": json.Number("1")}, rec["meta"])
}
