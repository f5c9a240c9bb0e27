package stubserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postChat(t *testing.T, handler http.Handler, body, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStandardResponse(t *testing.T) {
	srv := New(Options{Logger: testLogger()})
	rec := postChat(t, srv.Handler(),
		`{"action":"sendMessage","chatInput":"hello","sessionId":"s-1"}`, "application/json")

	require.Equal(t, http.StatusOK, rec.Code)

	var reply map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "You said: hello", reply["output"])
	assert.Equal(t, "s-1", reply["sessionId"])
}

func TestStreamingResponse(t *testing.T) {
	srv := New(Options{Logger: testLogger()})
	rec := postChat(t, srv.Handler(),
		`{"action":"sendMessage","chatInput":"one two","sessionId":"s-1"}`, "text/event-stream")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"output":"You"`)
	assert.Contains(t, body, `"output":"You said: one two"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), "stream must end with the sentinel")
}

func TestUnsupportedAction(t *testing.T) {
	srv := New(Options{Logger: testLogger()})
	rec := postChat(t, srv.Handler(), `{"action":"loadPreviousSession"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestEmptyInputRejected(t *testing.T) {
	srv := New(Options{Logger: testLogger()})
	rec := postChat(t, srv.Handler(), `{"action":"sendMessage","chatInput":"  "}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionIDGeneratedWhenAbsent(t *testing.T) {
	srv := New(Options{Logger: testLogger()})
	rec := postChat(t, srv.Handler(), `{"action":"sendMessage","chatInput":"hi"}`, "")

	var reply map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.NotEmpty(t, reply["sessionId"])
}

func TestAuthRequiredWhenVerifierSet(t *testing.T) {
	verifier, err := auth.NewHMACVerifier("topsecret", testLogger())
	require.NoError(t, err)
	srv := New(Options{Verifier: verifier, Logger: testLogger()})
	handler := srv.Handler()

	rec := postChat(t, handler, `{"action":"sendMessage","chatInput":"hi"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("topsecret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook/chat",
		strings.NewReader(`{"action":"sendMessage","chatInput":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+signed)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestCustomKeyNames(t *testing.T) {
	srv := New(Options{ChatInputKey: "message", SessionKey: "conversationId", Logger: testLogger()})
	rec := postChat(t, srv.Handler(),
		`{"action":"sendMessage","message":"hi","conversationId":"c-1"}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	var reply map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "You said: hi", reply["output"])
	assert.Equal(t, "c-1", reply["sessionId"])
}
