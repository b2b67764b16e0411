package graphdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbox/driftbox/pkg/provider"
)

const testToken = "test-access-token"

// graphServer is an in-memory Graph-style item API covering the requests
// the driver issues.
type graphServer struct {
	srv     *httptest.Server
	items   map[string][]byte
	uploads map[string][]byte
}

func newGraphServer(t *testing.T) *graphServer {
	t.Helper()
	g := &graphServer{items: map[string][]byte{}, uploads: map[string][]byte{}}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *graphServer) handle(w http.ResponseWriter, r *http.Request) {
	// Upload-session PUTs go to a pre-authenticated URL without a bearer.
	if strings.HasPrefix(r.URL.Path, "/upload/") {
		g.handleUploadChunk(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/me/drive":
		writeItem(w, http.StatusOK, map[string]any{
			"id":    "drive-1",
			"quota": map[string]int64{"used": 1234, "total": 5678},
		})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/children"):
		var req struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeItem(w, http.StatusCreated, map[string]any{"id": "folder-" + req.Name, "name": req.Name})
	case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, ":/content"):
		data, _ := io.ReadAll(r.Body)
		name := contentItemName(r.URL.Path)
		g.items[name] = data
		writeItem(w, http.StatusCreated, map[string]any{"id": "item-" + name, "name": name})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":/createUploadSession"):
		name := sessionItemName(r.URL.Path)
		writeItem(w, http.StatusOK, map[string]any{"uploadUrl": g.srv.URL + "/upload/" + name})
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/me/drive/items/"):
		id := strings.TrimPrefix(r.URL.Path, "/me/drive/items/")
		if _, found := g.items[strings.TrimPrefix(id, "item-")]; !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(g.items, strings.TrimPrefix(id, "item-"))
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/content"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/me/drive/items/"), "/content")
		data, found := g.items[strings.TrimPrefix(id, "item-")]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (g *graphServer) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/upload/")
	data, _ := io.ReadAll(r.Body)
	g.uploads[name] = append(g.uploads[name], data...)

	// Content-Range: bytes <start>-<end>/<total>
	var start, end, total int64
	_, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if end+1 < total {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	g.items[name] = g.uploads[name]
	writeItem(w, http.StatusCreated, map[string]any{"id": "item-" + name, "name": name})
}

func writeItem(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// contentItemName extracts the file name from .../items/<parent>:/<name>:/content.
func contentItemName(p string) string {
	p = strings.TrimSuffix(p, ":/content")
	return p[strings.LastIndex(p, ":/")+2:]
}

func sessionItemName(p string) string {
	p = strings.TrimSuffix(p, ":/createUploadSession")
	return p[strings.LastIndex(p, ":/")+2:]
}

func newTestDriver(t *testing.T, baseURL string) *Driver {
	t.Helper()
	drv := New().(*Driver)
	require.NoError(t, drv.Initialize(context.Background(), map[string]any{
		"account_id":   "alice@example.com",
		"access_token": testToken,
		"base_url":     baseURL,
	}))
	t.Cleanup(func() { _ = drv.Cleanup(context.Background()) })
	return drv
}

func TestInitializeRequiresAccessToken(t *testing.T) {
	err := New().Initialize(context.Background(), map[string]any{"account_id": "a"})
	var vErr *provider.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "access_token", vErr.Field)
}

func TestConnectionProbe(t *testing.T) {
	g := newGraphServer(t)
	drv := newTestDriver(t, g.srv.URL)

	ok, err := drv.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConnectionRejectedToken(t *testing.T) {
	g := newGraphServer(t)
	drv := New().(*Driver)
	require.NoError(t, drv.Initialize(context.Background(), map[string]any{
		"access_token": "expired-token",
		"base_url":     g.srv.URL,
	}))

	ok, err := drv.TestConnection(context.Background())
	require.NoError(t, err, "a clean rejection is not a transport error")
	assert.False(t, ok)
}

func TestGetQuotaFacet(t *testing.T) {
	g := newGraphServer(t)
	drv := newTestDriver(t, g.srv.URL)

	q, err := drv.GetQuota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), q.Used)
	require.NotNil(t, q.Total)
	assert.Equal(t, int64(5678), *q.Total)
}

func TestCreateFolder(t *testing.T) {
	g := newGraphServer(t)
	drv := newTestDriver(t, g.srv.URL)

	id, err := drv.CreateFolder(context.Background(), "photos", "")
	require.NoError(t, err)
	assert.Equal(t, "folder-photos", id, "remote ID is the item id, not a path")
}

func TestSimpleUpload(t *testing.T) {
	ctx := context.Background()
	g := newGraphServer(t)
	drv := newTestDriver(t, g.srv.URL)

	content := []byte("small object body")
	id, err := drv.PutObject(ctx, bytes.NewReader(content), provider.ObjectMetadata{
		Name: "note.txt",
		Size: int64(len(content)),
	})
	require.NoError(t, err)
	assert.Equal(t, "item-note.txt", id)
	assert.Equal(t, content, g.items["note.txt"])

	body, size, err := drv.GetObject(ctx, id)
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	_ = body.Close()
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), size)

	require.NoError(t, drv.Delete(ctx, id, false))
	assert.NotContains(t, g.items, "note.txt")
}

func TestSessionUploadForLargeObjects(t *testing.T) {
	ctx := context.Background()
	g := newGraphServer(t)
	drv := newTestDriver(t, g.srv.URL)

	// Past the simple-upload ceiling, so the driver must open an upload
	// session and stream aligned chunks to its pre-authenticated URL.
	content := bytes.Repeat([]byte{0x5C}, simpleUploadMaxSize+1024)
	id, err := drv.PutObject(ctx, bytes.NewReader(content), provider.ObjectMetadata{
		Name: "big.bin",
		Size: int64(len(content)),
	})
	require.NoError(t, err)
	assert.Equal(t, "item-big.bin", id)
	assert.Equal(t, content, g.items["big.bin"])
}

func TestDeleteMissingItem(t *testing.T) {
	g := newGraphServer(t)
	drv := newTestDriver(t, g.srv.URL)

	err := drv.Delete(context.Background(), "item-absent", false)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestGetObjectMissing(t *testing.T) {
	g := newGraphServer(t)
	drv := newTestDriver(t, g.srv.URL)

	_, _, err := drv.GetObject(context.Background(), "item-absent")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestThrottledResponseMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	drv := newTestDriver(t, srv.URL)
	_, err := drv.GetQuota(context.Background())
	assert.ErrorIs(t, err, provider.ErrThrottled)
	assert.Contains(t, err.Error(), "retry after 7s")
}

func TestRetryAfterHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"absent", "", 0},
		{"delta seconds", "120", 2 * time.Minute},
		{"zero seconds", "0", 0},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			assert.Equal(t, tt.want, retryAfter(resp))
		})
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	wait := retryAfter(resp)
	assert.Greater(t, wait, 20*time.Second)
	assert.LessOrEqual(t, wait, 30*time.Second)

	// A date in the past means no wait.
	resp.Header.Set("Retry-After", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat))
	assert.Equal(t, time.Duration(0), retryAfter(resp))
}
