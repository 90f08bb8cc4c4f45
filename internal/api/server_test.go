package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, quorum int, lifetime time.Duration) *httptest.Server {
	t.Helper()
	srv, err := NewServer(storage.NewMemoryBackend(), []byte("test audit root key material"), Config{
		Workflow: workflow.Config{Quorum: quorum, Lifetime: lifetime},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.BuildRouter())
	t.Cleanup(ts.Close)
	return ts
}

// call sends a JSON request, optionally authenticated, and decodes the body.
func call(t *testing.T, ts *httptest.Server, method, path, user, pass string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &parsed)
	}
	return resp.StatusCode, parsed
}

func enroll(t *testing.T, ts *httptest.Server, name, pass string) string {
	t.Helper()
	code, body := call(t, ts, "POST", "/v1/principals", "", "", map[string]any{
		"name":       name,
		"passphrase": pass,
	})
	require.Equal(t, http.StatusCreated, code, "enroll %s: %v", name, body)
	data := body["data"].(map[string]any)
	return data["id"].(string)
}

// setRoles assigns roles through the admin endpoint. The first enrolled
// user is the admin in these tests.
func setRoles(t *testing.T, ts *httptest.Server, adminName, adminPass, principalID string, roles ...string) {
	t.Helper()
	code, body := call(t, ts, "PUT", "/v1/principals/"+principalID+"/roles", adminName, adminPass, map[string]any{
		"roles": roles,
	})
	require.Equal(t, http.StatusNoContent, code, "set roles: %v", body)
}

func createSecret(t *testing.T, ts *httptest.Server, user, pass, name string, payload []byte, restricted bool) string {
	t.Helper()
	code, body := call(t, ts, "POST", "/v1/secrets", user, pass, map[string]any{
		"name":       name,
		"payload":    payload,
		"restricted": restricted,
	})
	require.Equal(t, http.StatusCreated, code, "create secret: %v", body)
	return body["data"].(map[string]any)["id"].(string)
}

func readPayload(t *testing.T, body map[string]any) []byte {
	t.Helper()
	encoded := body["data"].(map[string]any)["payload"].(string)
	payload, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	return payload
}

func TestHealthUnauthenticated(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	code, body := call(t, ts, "GET", "/v1/sys/health", "", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	code, _ := call(t, ts, "GET", "/v1/secrets", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	enroll(t, ts, "alice", "pass-a")
	code, _ = call(t, ts, "GET", "/v1/secrets", "alice", "wrong", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestSecretLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	enroll(t, ts, "alice", "pass-a")
	bobID := enroll(t, ts, "bob", "pass-b")

	payload := []byte("postgres://user:pw@host/db")
	secretID := createSecret(t, ts, "alice", "pass-a", "prod-db", payload, false)

	// Owner reads back.
	code, body := call(t, ts, "GET", "/v1/secrets/"+secretID, "alice", "pass-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, payload, readPayload(t, body))

	// Bob has nothing yet; the denial does not confirm existence.
	code, _ = call(t, ts, "GET", "/v1/secrets/"+secretID, "bob", "pass-b", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = call(t, ts, "GET", "/v1/secrets/does-not-exist", "bob", "pass-b", nil)
	assert.Equal(t, http.StatusForbidden, code)

	// Alice grants bob read-only.
	code, _ = call(t, ts, "POST", "/v1/secrets/"+secretID+"/grants", "alice", "pass-a", map[string]any{
		"principal_id": bobID,
		"read":         true,
	})
	require.Equal(t, http.StatusCreated, code)

	code, body = call(t, ts, "GET", "/v1/secrets/"+secretID, "bob", "pass-b", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, payload, readPayload(t, body))

	code, body = call(t, ts, "GET", "/v1/secrets/"+secretID+"/capability", "bob", "pass-b", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "read-only", body["data"].(map[string]any)["capability"])

	// Read-only cannot write.
	code, _ = call(t, ts, "PUT", "/v1/secrets/"+secretID, "bob", "pass-b", map[string]any{
		"payload": []byte("overwrite"),
	})
	assert.Equal(t, http.StatusForbidden, code)

	// Revoke, then bob is out again.
	code, _ = call(t, ts, "DELETE", "/v1/secrets/"+secretID+"/grants/"+bobID, "alice", "pass-a", nil)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = call(t, ts, "GET", "/v1/secrets/"+secretID, "bob", "pass-b", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestGroupFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	enroll(t, ts, "alice", "pass-a")
	bobID := enroll(t, ts, "bob", "pass-b")

	// Alice creates a group (becoming its first member) and a secret
	// shared with the group.
	code, body := call(t, ts, "POST", "/v1/groups", "alice", "pass-a", map[string]any{"name": "oncall"})
	require.Equal(t, http.StatusCreated, code)
	groupID := body["data"].(map[string]any)["id"].(string)

	secretID := createSecret(t, ts, "alice", "pass-a", "pager", []byte("pd-key"), false)
	code, _ = call(t, ts, "POST", "/v1/secrets/"+secretID+"/grants", "alice", "pass-a", map[string]any{
		"principal_id": groupID,
		"read":         true,
	})
	require.Equal(t, http.StatusCreated, code)

	// Bob cannot read until he is a member.
	code, _ = call(t, ts, "GET", "/v1/secrets/"+secretID, "bob", "pass-b", nil)
	assert.Equal(t, http.StatusForbidden, code)

	// Bob himself cannot sponsor his own join.
	code, _ = call(t, ts, "POST", "/v1/groups/"+groupID+"/members", "bob", "pass-b", map[string]any{"user_id": bobID})
	assert.Equal(t, http.StatusForbidden, code)

	// Alice sponsors him in.
	code, _ = call(t, ts, "POST", "/v1/groups/"+groupID+"/members", "alice", "pass-a", map[string]any{"user_id": bobID})
	require.Equal(t, http.StatusCreated, code)

	code, body = call(t, ts, "GET", "/v1/secrets/"+secretID, "bob", "pass-b", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []byte("pd-key"), readPayload(t, body))

	// Leaving ends access.
	code, _ = call(t, ts, "DELETE", "/v1/groups/"+groupID+"/members/"+bobID, "alice", "pass-a", nil)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = call(t, ts, "GET", "/v1/secrets/"+secretID, "bob", "pass-b", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRestrictedRequestFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	aliceID := enroll(t, ts, "alice", "pass-a")
	enroll(t, ts, "carol", "pass-c")
	setRoles(t, ts, "alice", "pass-a", aliceID, "admin", "approver")

	payload := []byte("break-glass credentials")
	secretID := createSecret(t, ts, "alice", "pass-a", "break-glass", payload, true)

	// Carol cannot read and has no current request.
	code, _ := call(t, ts, "GET", "/v1/secrets/"+secretID, "carol", "pass-c", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body := call(t, ts, "POST", "/v1/secrets/"+secretID+"/requests", "carol", "pass-c", map[string]any{
		"reason": "incident 4711",
	})
	require.Equal(t, http.StatusCreated, code)
	requestID := body["data"].(map[string]any)["id"].(string)
	assert.Equal(t, "pending", body["data"].(map[string]any)["state"])

	// Carol is not in the approver pool and cannot self-approve.
	code, _ = call(t, ts, "POST", "/v1/requests/"+requestID+"/approve", "carol", "pass-c", nil)
	assert.Equal(t, http.StatusForbidden, code)

	// Alice approves; quorum 1 materializes the access.
	code, body = call(t, ts, "POST", "/v1/requests/"+requestID+"/approve", "alice", "pass-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "approved", body["data"].(map[string]any)["state"])

	code, body = call(t, ts, "GET", "/v1/secrets/"+secretID, "carol", "pass-c", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, payload, readPayload(t, body))

	// The view was recorded on the request.
	code, body = call(t, ts, "GET", "/v1/secrets/"+secretID+"/requests/current", "carol", "pass-c", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, body["data"].(map[string]any)["viewed_at"])
}

func TestBlockedRequestOverHTTP(t *testing.T) {
	ts := newTestServer(t, 2, time.Hour)
	aliceID := enroll(t, ts, "alice", "pass-a")
	bobID := enroll(t, ts, "bob", "pass-b")
	enroll(t, ts, "carol", "pass-c")
	setRoles(t, ts, "alice", "pass-a", aliceID, "admin", "approver")
	setRoles(t, ts, "alice", "pass-a", bobID, "approver")

	secretID := createSecret(t, ts, "alice", "pass-a", "s", []byte("x"), true)

	// Bob needs a grant to sit in the pool.
	code, _ := call(t, ts, "POST", "/v1/secrets/"+secretID+"/grants", "alice", "pass-a", map[string]any{
		"principal_id": bobID,
		"read":         true,
	})
	require.Equal(t, http.StatusCreated, code)

	code, body := call(t, ts, "POST", "/v1/secrets/"+secretID+"/requests", "carol", "pass-c", map[string]any{})
	require.Equal(t, http.StatusCreated, code)
	requestID := body["data"].(map[string]any)["id"].(string)

	code, _ = call(t, ts, "POST", "/v1/requests/"+requestID+"/approve", "alice", "pass-a", nil)
	require.Equal(t, http.StatusOK, code)
	code, body = call(t, ts, "POST", "/v1/requests/"+requestID+"/block", "bob", "pass-b", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "blocked", body["data"].(map[string]any)["state"])

	code, _ = call(t, ts, "GET", "/v1/secrets/"+secretID, "carol", "pass-c", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestAuditLogOverHTTP(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	enroll(t, ts, "alice", "pass-a")
	secretID := createSecret(t, ts, "alice", "pass-a", "s", []byte("x"), false)

	code, _ := call(t, ts, "GET", "/v1/secrets/"+secretID, "alice", "pass-a", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := call(t, ts, "GET", "/v1/sys/audit-log?secret="+secretID, "alice", "pass-a", nil)
	require.Equal(t, http.StatusOK, code)
	entries := body["data"].(map[string]any)["entries"].([]any)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, true, e.(map[string]any)["verified"])
	}

	code, body = call(t, ts, "POST", "/v1/sys/audit-log/verify", "alice", "pass-a", nil)
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Empty(t, data["tampered"])
	assert.Greater(t, data["checked"], float64(0))
}

func TestPassphraseChangeOverHTTP(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	enroll(t, ts, "alice", "old-pass")
	secretID := createSecret(t, ts, "alice", "old-pass", "s", []byte("x"), false)

	code, _ := call(t, ts, "PUT", "/v1/principals/self/passphrase", "alice", "old-pass", map[string]any{
		"old_passphrase": "old-pass",
		"new_passphrase": "new-pass",
	})
	require.Equal(t, http.StatusNoContent, code)

	// Old credentials stop working; the grant survives the change.
	code, _ = call(t, ts, "GET", "/v1/secrets/"+secretID, "alice", "old-pass", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, body := call(t, ts, "GET", "/v1/secrets/"+secretID, "alice", "new-pass", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []byte("x"), readPayload(t, body))
}

func TestEnrollmentNeverTakesRoles(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)

	// The first user bootstraps as admin.
	code, body := call(t, ts, "POST", "/v1/principals", "", "", map[string]any{
		"name":       "alice",
		"passphrase": "pass-a",
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Contains(t, body["data"].(map[string]any)["roles"], "admin")

	// Roles in the enrollment body are ignored, not persisted.
	code, body = call(t, ts, "POST", "/v1/principals", "", "", map[string]any{
		"name":       "mallory",
		"passphrase": "pass-m",
		"roles":      []string{"approver", "admin"},
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Nil(t, body["data"].(map[string]any)["roles"])
}

func TestRoleAssignmentRequiresAdmin(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	enroll(t, ts, "alice", "pass-a")
	bobID := enroll(t, ts, "bob", "pass-b")

	code, _ := call(t, ts, "PUT", "/v1/principals/"+bobID+"/roles", "bob", "pass-b", map[string]any{
		"roles": []string{"admin"},
	})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = call(t, ts, "PUT", "/v1/principals/"+bobID+"/roles", "alice", "pass-a", map[string]any{
		"roles": []string{"made-up-role"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPrincipalStatusRequiresAdmin(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	enroll(t, ts, "alice", "pass-a")
	bobID := enroll(t, ts, "bob", "pass-b")

	// Bob cannot archive anyone, himself included.
	code, _ := call(t, ts, "PUT", "/v1/principals/"+bobID+"/status", "bob", "pass-b", map[string]any{
		"status": "archived",
	})
	assert.Equal(t, http.StatusForbidden, code)

	// The admin can, and the disabled principal stops authenticating.
	code, _ = call(t, ts, "PUT", "/v1/principals/"+bobID+"/status", "alice", "pass-a", map[string]any{
		"status": "disabled",
	})
	require.Equal(t, http.StatusNoContent, code)
	code, _ = call(t, ts, "GET", "/v1/secrets", "bob", "pass-b", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestSecretMutationsRequireModifyComponent(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	enroll(t, ts, "alice", "pass-a")
	bobID := enroll(t, ts, "bob", "pass-b")

	secretID := createSecret(t, ts, "alice", "pass-a", "prod-db", []byte("dsn"), false)
	code, _ := call(t, ts, "POST", "/v1/secrets/"+secretID+"/grants", "alice", "pass-a", map[string]any{
		"principal_id": bobID,
		"read":         true,
	})
	require.Equal(t, http.StatusCreated, code)

	// A read-only holder can neither edit metadata nor revoke grants, and
	// the refusal matches the one a nonexistent secret produces.
	code, body := call(t, ts, "PATCH", "/v1/secrets/"+secretID, "bob", "pass-b", map[string]any{
		"name":    "hijacked",
		"enabled": false,
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Nil(t, body["data"])
	code, _ = call(t, ts, "PATCH", "/v1/secrets/does-not-exist", "bob", "pass-b", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = call(t, ts, "DELETE", "/v1/secrets/"+secretID+"/grants/"+bobID, "bob", "pass-b", nil)
	assert.Equal(t, http.StatusForbidden, code)

	// The secret is untouched and bob still reads it.
	code, body = call(t, ts, "GET", "/v1/secrets/"+secretID, "bob", "pass-b", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []byte("dsn"), readPayload(t, body))
}

func TestGroupRemovalRequiresMembership(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	enroll(t, ts, "alice", "pass-a")
	bobID := enroll(t, ts, "bob", "pass-b")
	enroll(t, ts, "carol", "pass-c")

	code, body := call(t, ts, "POST", "/v1/groups", "alice", "pass-a", map[string]any{"name": "oncall"})
	require.Equal(t, http.StatusCreated, code)
	groupID := body["data"].(map[string]any)["id"].(string)
	code, _ = call(t, ts, "POST", "/v1/groups/"+groupID+"/members", "alice", "pass-a", map[string]any{"user_id": bobID})
	require.Equal(t, http.StatusCreated, code)

	// Carol is not a member and cannot eject anyone.
	code, _ = call(t, ts, "DELETE", "/v1/groups/"+groupID+"/members/"+bobID, "carol", "pass-c", nil)
	assert.Equal(t, http.StatusForbidden, code)

	// Bob may always remove himself.
	code, _ = call(t, ts, "DELETE", "/v1/groups/"+groupID+"/members/"+bobID, "bob", "pass-b", nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func TestRequestOnUnrestrictedSecretOverHTTP(t *testing.T) {
	ts := newTestServer(t, 1, time.Hour)
	aliceID := enroll(t, ts, "alice", "pass-a")
	enroll(t, ts, "carol", "pass-c")
	setRoles(t, ts, "alice", "pass-a", aliceID, "admin", "approver")

	secretID := createSecret(t, ts, "alice", "pass-a", "plain", []byte("x"), false)

	// The request path only exists for restricted secrets; a plain one is
	// refused with the same response a missing secret gets.
	code, _ := call(t, ts, "POST", "/v1/secrets/"+secretID+"/requests", "carol", "pass-c", map[string]any{})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = call(t, ts, "POST", "/v1/secrets/does-not-exist/requests", "carol", "pass-c", map[string]any{})
	assert.Equal(t, http.StatusForbidden, code)
}
