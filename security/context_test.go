package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/orchestrator/core"
)

func newTestContext(t *testing.T, rps float64, burst int) *Context {
	t.Helper()
	return NewContext("test-signing-key", rps, burst, nil)
}

func TestAuthorizeHappyPath(t *testing.T) {
	sec := newTestContext(t, 100, 100)
	token, err := sec.IssueToken("alice", "tenant-1", RoleOperator, time.Minute)
	require.NoError(t, err)

	p, err := sec.Authorize(Credentials{Token: token, TenantID: "tenant-1"}, PermSubmitTask)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ActorID)
	assert.Equal(t, RoleOperator, p.Role)

	log := sec.AuditLog(0)
	require.NotEmpty(t, log)
	assert.True(t, log[len(log)-1].Allowed)
}

func TestAuthorizeRejectsBadToken(t *testing.T) {
	sec := newTestContext(t, 100, 100)
	_, err := sec.Authorize(Credentials{Token: "garbage"}, PermSubmitTask)
	require.Error(t, err)
	assert.True(t, core.IsUnauthorized(err))
}

func TestAuthorizeRejectsWrongSigningKey(t *testing.T) {
	other := NewContext("different-key", 100, 100, nil)
	token, err := other.IssueToken("mallory", "tenant-1", RoleAdmin, time.Minute)
	require.NoError(t, err)

	sec := newTestContext(t, 100, 100)
	_, err = sec.Authorize(Credentials{Token: token}, PermSubmitTask)
	assert.True(t, core.IsUnauthorized(err))
}

func TestAuthorizeRejectsExpiredToken(t *testing.T) {
	sec := newTestContext(t, 100, 100)
	token, err := sec.IssueToken("alice", "tenant-1", RoleOperator, -time.Minute)
	require.NoError(t, err)

	_, err = sec.Authorize(Credentials{Token: token}, PermSubmitTask)
	assert.True(t, core.IsUnauthorized(err))
}

func TestAuthorizeRejectsMissingPermission(t *testing.T) {
	sec := newTestContext(t, 100, 100)
	token, err := sec.IssueToken("viewer", "tenant-1", RoleViewer, time.Minute)
	require.NoError(t, err)

	_, err = sec.Authorize(Credentials{Token: token}, PermCreateAgent)
	require.Error(t, err)
	assert.True(t, core.IsUnauthorized(err))

	log := sec.AuditLog(1)
	require.Len(t, log, 1)
	assert.False(t, log[0].Allowed)
	assert.Contains(t, log[0].Reason, "lacks permission")
}

func TestAuthorizeRejectsTenantMismatch(t *testing.T) {
	sec := newTestContext(t, 100, 100)
	token, err := sec.IssueToken("alice", "tenant-1", RoleOperator, time.Minute)
	require.NoError(t, err)

	_, err = sec.Authorize(Credentials{Token: token, TenantID: "tenant-2"}, PermSubmitTask)
	assert.True(t, core.IsUnauthorized(err))
}

func TestRateLimit(t *testing.T) {
	sec := newTestContext(t, 1, 2)
	token, err := sec.IssueToken("bursty", "tenant-1", RoleOperator, time.Minute)
	require.NoError(t, err)
	cred := Credentials{Token: token, TenantID: "tenant-1"}

	_, err = sec.Authorize(cred, PermSubmitTask)
	require.NoError(t, err)
	_, err = sec.Authorize(cred, PermSubmitTask)
	require.NoError(t, err)

	_, err = sec.Authorize(cred, PermSubmitTask)
	require.Error(t, err)
	assert.True(t, core.IsUnauthorized(err))

	var ae *core.ArbiterError
	require.ErrorAs(t, err, &ae)
	assert.True(t, ae.Retriable, "rate limit errors are retriable after backoff")
}

func TestAdminWildcard(t *testing.T) {
	for _, perm := range []Permission{PermSubmitTask, PermCreateAgent, PermDeleteAgent, PermArbitrate} {
		assert.True(t, HasPermission(RoleAdmin, perm), string(perm))
	}
	assert.False(t, HasPermission(Role("unknown"), PermReadStatus))
}
