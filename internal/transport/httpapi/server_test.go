package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/processor"
	"github.com/Guizzs26/go-offline-sync/internal/schema/schematest"
	"github.com/Guizzs26/go-offline-sync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h, err := db.Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	auth := processor.NewAuthority(h, schematest.Registry(t), logger)
	require.NoError(t, auth.EnsureSchema(context.Background()))

	return NewHandler(
		processor.NewBatchProcessor(auth, nil, logger),
		processor.NewMaterializer(auth, 0, logger),
		NewTokenAuth(secret),
		logger,
	).Router()
}

func token(t *testing.T, scope string) string {
	t.Helper()
	tok, err := NewTokenAuth(secret).IssueToken(scope, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, r http.Handler, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func boardEvent(id, board, user string) models.OutboxEvent {
	payload, _ := json.Marshal(map[string]any{"id": board, "userId": user, "title": "t"})
	return models.OutboxEvent{ID: id, EntityType: "Board", Operation: models.OpCreate, Payload: payload}
}

func TestPushAndPull(t *testing.T) {
	r := newRouter(t)
	tok := token(t, "u1")

	w := do(t, r, http.MethodPost, "/v1/sync/push", tok, httpdto.PushRequest{Events: []models.OutboxEvent{
		boardEvent("e1", "b1", "u1"),
		boardEvent("e2", "b2", "u2"),
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var pushed httpdto.Response[httpdto.PushResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pushed))
	require.True(t, pushed.Success)
	require.Len(t, pushed.Data.Results, 2)
	assert.Equal(t, int64(1), pushed.Data.Results[0].AppliedChangelogID)
	assert.Nil(t, pushed.Data.Results[0].Error)
	require.NotNil(t, pushed.Data.Results[1].Error)
	assert.Equal(t, models.ErrScopeViolation, pushed.Data.Results[1].Error.Type)

	w = do(t, r, http.MethodGet, "/v1/sync/pull?cursor=0", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var pulled httpdto.Response[models.PullPage]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pulled))
	assert.Equal(t, int64(1), pulled.Data.Cursor)
	require.Len(t, pulled.Data.LogsWithRecords, 1)
	assert.Equal(t, "b1", pulled.Data.LogsWithRecords[0].Record["id"])

	// Another scope sees nothing
	w = do(t, r, http.MethodGet, "/v1/sync/pull", token(t, "u2"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pulled))
	assert.Empty(t, pulled.Data.LogsWithRecords)
}

func TestAuthRequired(t *testing.T) {
	r := newRouter(t)

	forged, err := NewTokenAuth("other-secret").IssueToken("u1", time.Hour)
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte(secret))
	require.NoError(t, err)

	tokens := map[string]string{
		"missing":    "",
		"forged":     forged,
		"garbage":    "abc.def.ghi",
		"expired":    expired,
		"no subject": noSubject,
	}
	for name, tok := range tokens {
		t.Run(name, func(t *testing.T) {
			w := do(t, r, http.MethodGet, "/v1/sync/pull", tok, nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
		})
	}

	w := do(t, r, http.MethodGet, "/v1/sync/pull", token(t, "u1"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPushRejectsBadRequests(t *testing.T) {
	r := newRouter(t)
	tok := token(t, "u1")

	events := make([]models.OutboxEvent, processor.MaxBatchSize+1)
	for i := range events {
		events[i] = boardEvent(fmt.Sprintf("e%d", i), fmt.Sprintf("b%d", i), "u1")
	}
	w := do(t, r, http.MethodPost, "/v1/sync/push", tok, httpdto.PushRequest{Events: events})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = do(t, r, http.MethodPost, "/v1/sync/push", tok, map[string]any{"nothing": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/v1/sync/pull?cursor=-4", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newRouter(t)

	w := do(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenAuth(t *testing.T) {
	a := NewTokenAuth(secret)

	tok, err := a.IssueToken("scope-7", 0)
	require.NoError(t, err)
	scope, err := a.ParseScope(tok)
	require.NoError(t, err)
	assert.Equal(t, "scope-7", scope)

	_, err = a.IssueToken("", time.Hour)
	assert.Error(t, err)

	_, err = a.ParseScope("")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
