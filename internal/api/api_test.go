package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/gokonnect/internal/konnect"
)

func newTestAPI(t *testing.T) (*API, *konnect.Server) {
	t.Helper()

	srv, err := konnect.NewServer(
		konnect.WithDataDir(t.TempDir()),
		konnect.WithName("desk"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Store().Close() })

	return NewAPI(srv, "0.1.0", false), srv
}

func do(t *testing.T, a *API, method, path, body string) (int, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec.Code, decoded
}

func pairDevice(t *testing.T, srv *konnect.Server, identifier, name string) {
	t.Helper()
	require.NoError(t, srv.Store().Pair(identifier, "PEM", name, "phone"))
}

// TestVersionEndpoint tests the GET / info document.
func TestVersionEndpoint(t *testing.T) {
	a, srv := newTestAPI(t)

	code, body := do(t, a, http.MethodGet, "/", "")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, srv.Identity().DeviceID(), body["identifier"])
	assert.Equal(t, "desk", body["device"])
	assert.Equal(t, "gokonnect 0.1.0", body["server"])
}

// TestAnnounceRequiresRunningServer tests that PUT / fails cleanly when
// the discovery socket is not up.
func TestAnnounceRequiresRunningServer(t *testing.T) {
	a, _ := newTestAPI(t)

	code, body := do(t, a, http.MethodPut, "/", "")

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, false, body["success"])
}

// TestDeviceList tests the trusted/reachable union view.
func TestDeviceList(t *testing.T) {
	a, srv := newTestAPI(t)

	code, body := do(t, a, http.MethodGet, "/device", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["devices"])

	pairDevice(t, srv, "dev1", "phone")

	code, body = do(t, a, http.MethodGet, "/device", "")
	require.Equal(t, http.StatusOK, code)

	devices := body["devices"].([]any)
	require.Len(t, devices, 1)

	entry := devices[0].(map[string]any)
	assert.Equal(t, "dev1", entry["identifier"])
	assert.Equal(t, true, entry["trusted"])
	assert.Equal(t, false, entry["reachable"])
}

// TestDeviceByName tests the @name selector form.
func TestDeviceByName(t *testing.T) {
	a, srv := newTestAPI(t)
	pairDevice(t, srv, "dev1", "phone")

	code, body := do(t, a, http.MethodGet, "/device/@phone", "")
	require.Equal(t, http.StatusOK, code)

	device := body["device"].(map[string]any)
	assert.Equal(t, "dev1", device["identifier"])
}

// TestTrustPrecondition tests that trusted-only routes reject unknown
// devices with 401.
func TestTrustPrecondition(t *testing.T) {
	a, _ := newTestAPI(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/ping/ghost"},
		{http.MethodPost, "/ring/ghost"},
		{http.MethodPost, "/notification/ghost"},
		{http.MethodGet, "/device/ghost"},
		{http.MethodGet, "/command/ghost"},
		{http.MethodDelete, "/pair/ghost"},
	} {
		code, body := do(t, a, tc.method, tc.path, "")
		assert.Equal(t, http.StatusUnauthorized, code, "%s %s", tc.method, tc.path)
		assert.Equal(t, false, body["success"])
	}
}

// TestReachabilityPrecondition tests that live-session routes return 404
// for trusted but disconnected devices.
func TestReachabilityPrecondition(t *testing.T) {
	a, srv := newTestAPI(t)
	pairDevice(t, srv, "dev1", "phone")

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/ping/dev1"},
		{http.MethodPost, "/ring/dev1"},
		{http.MethodPatch, "/command/dev1/some-key"},
		{http.MethodPost, "/custom/dev1"},
	} {
		code, _ := do(t, a, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, code, "%s %s", tc.method, tc.path)
	}
}

// TestUnknownRoutes tests 501 for unroutable requests.
func TestUnknownRoutes(t *testing.T) {
	a, srv := newTestAPI(t)
	pairDevice(t, srv, "dev1", "phone")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/bogus"},
		{http.MethodPost, "/frobnicate/dev1"},
		{http.MethodPatch, "/ping/dev1"},
		{http.MethodDelete, "/notification/dev1"}, // reference required
	} {
		code, _ := do(t, a, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotImplemented, code, "%s %s", tc.method, tc.path)
	}
}

// TestNotificationLifecycle tests persisting and tombstoning notifications
// through the admin surface.
func TestNotificationLifecycle(t *testing.T) {
	a, srv := newTestAPI(t)
	pairDevice(t, srv, "dev1", "phone")

	code, body := do(t, a, http.MethodPost, "/notification/dev1",
		`{"text": "hi", "title": "greeting", "application": "mail"}`)
	require.Equal(t, http.StatusCreated, code)

	reference := body["reference"].(string)
	assert.NotEmpty(t, reference)

	pending, err := srv.Store().ListNotifications("dev1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "greeting", pending[0].Title)
	assert.False(t, pending[0].Cancel)

	code, _ = do(t, a, http.MethodDelete, "/notification/dev1/"+reference, "")
	assert.Equal(t, http.StatusNoContent, code)

	pending, err = srv.Store().ListNotifications("dev1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Cancel)
}

// TestNotificationValidation tests the required-field check.
func TestNotificationValidation(t *testing.T) {
	a, srv := newTestAPI(t)
	pairDevice(t, srv, "dev1", "phone")

	code, body := do(t, a, http.MethodPost, "/notification/dev1", `{"text": "hi"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])

	code, _ = do(t, a, http.MethodPost, "/notification/dev1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

// TestCommandCRUD tests the command catalog routes end to end.
func TestCommandCRUD(t *testing.T) {
	a, srv := newTestAPI(t)
	pairDevice(t, srv, "dev1", "phone")

	code, body := do(t, a, http.MethodPost, "/command/dev1",
		`{"name": "Lock", "command": "loginctl lock-session"}`)
	require.Equal(t, http.StatusCreated, code)
	key := body["key"].(string)
	require.NotEmpty(t, key)

	code, body = do(t, a, http.MethodGet, "/command/dev1", "")
	require.Equal(t, http.StatusOK, code)
	commands := body["commands"].(map[string]any)
	require.Contains(t, commands, key)

	code, _ = do(t, a, http.MethodPut, "/command/dev1/"+key,
		`{"name": "Lock", "command": "xdg-screensaver lock"}`)
	assert.Equal(t, http.StatusNoContent, code)

	got, err := srv.Store().GetCommand("dev1", key)
	require.NoError(t, err)
	assert.Equal(t, "xdg-screensaver lock", got)

	code, _ = do(t, a, http.MethodPut, "/command/dev1/missing",
		`{"name": "x", "command": "y"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, a, http.MethodDelete, "/command/dev1/"+key, "")
	assert.Equal(t, http.StatusNoContent, code)

	code, body = do(t, a, http.MethodGet, "/command/dev1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["commands"])
}

// TestSharePath tests configuring the share destination.
func TestSharePath(t *testing.T) {
	a, srv := newTestAPI(t)
	pairDevice(t, srv, "dev1", "phone")

	code, _ := do(t, a, http.MethodPatch, "/share/dev1", `{"path": "/tmp/inbox"}`)
	assert.Equal(t, http.StatusOK, code)

	path, err := srv.Store().GetPath("dev1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/inbox", path)

	code, _ = do(t, a, http.MethodPatch, "/share/dev1", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}
