package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftbox/driftbox/internal/config"
	apperrors "github.com/driftbox/driftbox/internal/errors"
	"github.com/driftbox/driftbox/internal/registry"
	"github.com/driftbox/driftbox/pkg/resolver"
	"github.com/driftbox/driftbox/pkg/session"
	"github.com/driftbox/driftbox/pkg/store"
	"github.com/driftbox/driftbox/pkg/vault"
)

type testEnv struct {
	srv     *httptest.Server
	baseDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(context.Background(), store.Config{Path: filepath.Join(dir, "driftbox.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	codec, err := vault.New(bytes.Repeat([]byte{0x42}, vault.KeySize))
	require.NoError(t, err)

	res := resolver.New(registry.Default(), codec, st, zap.NewNop())

	mgr, err := session.NewManager(session.Config{SpoolDir: filepath.Join(dir, "spool")}, st, res, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	s := New(config.ServerConfig{Host: "localhost", Port: 0}, Deps{
		Store:    st,
		Resolver: res,
		Sessions: mgr,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, baseDir: filepath.Join(dir, "backend")}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// connectLocaldisk connects a localdisk provider rooted in the env temp dir
// and returns its id.
func (e *testEnv) connectLocaldisk(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/providers", map[string]any{
		"workspaceId": "ws-1",
		"name":        "Local",
		"type":        "localdisk",
		"config":      map[string]any{"base_dir": e.baseDir},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	view := decodeBody[map[string]any](t, resp)
	return view["id"].(string)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, Version, body["version"])
}

func TestNotFoundEnvelope(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[apperrors.HTTPErrorResponse](t, resp)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestMethodNotAllowedEnvelope(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodDelete, "/healthz", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	body := decodeBody[apperrors.HTTPErrorResponse](t, resp)
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestListRegistrations(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/providers/registrations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	regs := decodeBody[[]map[string]any](t, resp)
	types := make([]string, 0, len(regs))
	for _, r := range regs {
		types = append(types, r["type"].(string))
	}
	assert.Contains(t, types, "s3")
	assert.Contains(t, types, "localdisk")
	assert.Contains(t, types, "webdav")
	assert.Contains(t, types, "graphdrive")
}

func TestListCredentials(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/credentials", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[apperrors.HTTPErrorResponse](t, resp)
	assert.Equal(t, "VALIDATION", body.Error.Code)

	resp = env.do(t, http.MethodGet, "/api/credentials?user=user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	creds := decodeBody[[]store.OAuthCredential](t, resp)
	assert.Empty(t, creds)
}

func TestProviderLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.connectLocaldisk(t)

	// List scoped to the workspace.
	resp := env.do(t, http.MethodGet, "/api/providers?workspace=ws-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]map[string]any](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0]["id"])
	assert.Nil(t, list[0]["maskedConfig"], "list omits config entirely")

	// Get one includes the masked config.
	resp = env.do(t, http.MethodGet, "/api/providers/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	one := decodeBody[map[string]any](t, resp)
	masked, ok := one["maskedConfig"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, env.baseDir, masked["base_dir"], "non-sensitive fields pass through")

	// Rename.
	resp = env.do(t, http.MethodPatch, "/api/providers/"+id, map[string]any{"name": "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renamed := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "Renamed", renamed["name"])

	// Connection test.
	resp = env.do(t, http.MethodPost, "/api/providers/"+id+"/test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tested := decodeBody[map[string]bool](t, resp)
	assert.True(t, tested["ok"])

	// Disconnect deactivates without deleting.
	resp = env.do(t, http.MethodDelete, "/api/providers/"+id, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/providers/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	after := decodeBody[map[string]any](t, resp)
	assert.Equal(t, false, after["isActive"])
}

func TestConnectValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/providers", map[string]any{
		"workspaceId": "ws-1",
		"type":        "localdisk",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[apperrors.HTTPErrorResponse](t, resp)
	assert.Equal(t, "VALIDATION", body.Error.Code)
}

func TestConnectUnknownTypeIsBadRequest(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/providers", map[string]any{
		"workspaceId": "ws-1",
		"name":        "Mystery",
		"type":        "teleport",
		"config":      map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[apperrors.HTTPErrorResponse](t, resp)
	assert.Equal(t, "VALIDATION", body.Error.Code)
}

func TestGetProviderNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/providers/no-such-id", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[apperrors.HTTPErrorResponse](t, resp)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestUploadSessionOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	providerID := env.connectLocaldisk(t)

	payload := bytes.Repeat([]byte{0xAB}, 100)

	resp := env.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"workspaceId": "ws-1",
		"providerId":  providerID,
		"fileName":    "report.bin",
		"totalSize":   len(payload),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeBody[store.Session](t, resp)
	assert.Equal(t, store.StatusPending, sess.Status)
	assert.Equal(t, int64(1), sess.TotalChunks)
	assert.False(t, sess.UseDirectUpload, "localdisk has no direct upload")

	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/api/sessions/%s/chunks/1", env.srv.URL, sess.SessionID),
		bytes.NewReader(payload))
	require.NoError(t, err)
	chunkResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, chunkResp.StatusCode)
	_ = chunkResp.Body.Close()

	// The relay runs asynchronously after the last chunk lands.
	final := waitForSessionStatus(t, env, sess.SessionID, store.StatusCompleted)
	assert.Equal(t, store.PhaseServerToProvider, final.Phase)
	assert.Equal(t, int64(100), final.ProviderBytes)

	written, err := os.ReadFile(filepath.Join(env.baseDir, "report.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, written)
}

func TestDownloadOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	providerID := env.connectLocaldisk(t)

	require.NoError(t, os.MkdirAll(env.baseDir, 0o755))
	content := []byte("downloadable content")
	require.NoError(t, os.WriteFile(filepath.Join(env.baseDir, "doc.txt"), content, 0o644))

	resp := env.do(t, http.MethodGet, "/api/providers/"+providerID+"/download?remoteId=doc.txt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, body)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "doc.txt")
}

func TestDownloadRequiresRemoteID(t *testing.T) {
	env := newTestEnv(t)
	providerID := env.connectLocaldisk(t)

	resp := env.do(t, http.MethodGet, "/api/providers/"+providerID+"/download", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[apperrors.HTTPErrorResponse](t, resp)
	assert.Equal(t, "VALIDATION", body.Error.Code)
}

func TestCancelSessionOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	providerID := env.connectLocaldisk(t)

	resp := env.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"workspaceId": "ws-1",
		"providerId":  providerID,
		"fileName":    "abandoned.bin",
		"totalSize":   10_000_000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeBody[store.Session](t, resp)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+sess.SessionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decodeBody[store.Session](t, resp)
	assert.Equal(t, store.StatusCancelled, cancelled.Status)

	// A chunk after cancellation is a state conflict.
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/api/sessions/%s/chunks/1", env.srv.URL, sess.SessionID),
		bytes.NewReader(make([]byte, 64)))
	require.NoError(t, err)
	chunkResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, chunkResp.StatusCode)
	body := decodeBody[apperrors.HTTPErrorResponse](t, chunkResp)
	assert.Equal(t, "SESSION_STATE", body.Error.Code)
}

func TestListSessionsStatusFilter(t *testing.T) {
	env := newTestEnv(t)
	providerID := env.connectLocaldisk(t)

	resp := env.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"workspaceId": "ws-1",
		"providerId":  providerID,
		"fileName":    "filtered.bin",
		"totalSize":   512,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeBody[store.Session](t, resp)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+sess.SessionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/sessions?workspace=ws-1&status=cancelled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decodeBody[[]store.Session](t, resp)
	require.Len(t, cancelled, 1)
	assert.Equal(t, sess.SessionID, cancelled[0].SessionID)

	// Cancelled sessions do not show up in the default active listing.
	resp = env.do(t, http.MethodGet, "/api/sessions?workspace=ws-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	active := decodeBody[[]store.Session](t, resp)
	assert.Empty(t, active)

	resp = env.do(t, http.MethodGet, "/api/sessions?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSessionValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"workspaceId": "ws-1",
		"fileName":    "x.bin",
		"totalSize":   10,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/sessions/no-such-session", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[apperrors.HTTPErrorResponse](t, resp)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestSessionEventsFeed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t)
	providerID := env.connectLocaldisk(t)

	resp := env.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"workspaceId": "ws-1",
		"providerId":  providerID,
		"fileName":    "watched.bin",
		"totalSize":   300,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeBody[store.Session](t, resp)

	conn, _, err := websocket.Dial(ctx, env.srv.URL+"/api/sessions/"+sess.SessionID+"/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The feed opens with the current state, so no separate query is needed.
	var initial session.Event
	require.NoError(t, wsjson.Read(ctx, conn, &initial))
	assert.Equal(t, sess.SessionID, initial.SessionID)
	assert.Equal(t, store.StatusPending, initial.Status)
	assert.Equal(t, 0, initial.Percent)

	payload := bytes.Repeat([]byte{0xCD}, 300)
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/api/sessions/%s/chunks/1", env.srv.URL, sess.SessionID),
		bytes.NewReader(payload))
	require.NoError(t, err)
	chunkResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, chunkResp.StatusCode)
	_ = chunkResp.Body.Close()

	// Progress must move monotonically toward a terminal snapshot.
	lastPercent := initial.Percent
	var final session.Event
	for {
		var ev session.Event
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		assert.Equal(t, sess.SessionID, ev.SessionID)
		assert.GreaterOrEqual(t, ev.Percent, lastPercent)
		lastPercent = ev.Percent
		if ev.Status.Terminal() {
			final = ev
			break
		}
	}
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Percent)

	// After the terminal snapshot the server closes the feed normally.
	var extra session.Event
	err = wsjson.Read(ctx, conn, &extra)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestSessionEventsTerminalAtSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t)
	providerID := env.connectLocaldisk(t)

	resp := env.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"workspaceId": "ws-1",
		"providerId":  providerID,
		"fileName":    "done.bin",
		"totalSize":   100,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeBody[store.Session](t, resp)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+sess.SessionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	conn, _, err := websocket.Dial(ctx, env.srv.URL+"/api/sessions/"+sess.SessionID+"/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// One terminal snapshot, then a clean close.
	var initial session.Event
	require.NoError(t, wsjson.Read(ctx, conn, &initial))
	assert.Equal(t, store.StatusCancelled, initial.Status)

	var extra session.Event
	err = wsjson.Read(ctx, conn, &extra)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestSessionEventsUnknownSessionIsJSON404(t *testing.T) {
	env := newTestEnv(t)

	// A plain GET, no upgrade headers: the 404 must arrive as the JSON
	// envelope, not a websocket close frame.
	resp := env.do(t, http.MethodGet, "/api/sessions/no-such-session/events", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[apperrors.HTTPErrorResponse](t, resp)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func waitForSessionStatus(t *testing.T, env *testEnv, sessionID string, want store.SessionStatus) store.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last store.Session
	for time.Now().Before(deadline) {
		resp := env.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		last = decodeBody[store.Session](t, resp)
		if last.Status == want {
			return last
		}
		if last.Status.Terminal() {
			t.Fatalf("session reached %s (%s), want %s", last.Status, last.ErrorMessage, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached %s, last status %s", want, last.Status)
	return last
}
