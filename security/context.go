package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/logger"
)

// Permission names an operation a principal may perform. Permissions are
// granted through roles, never directly.
type Permission string

const (
	PermSubmitTask  Permission = "submit:task"
	PermCancelTask  Permission = "cancel:task"
	PermCreateAgent Permission = "create:agent"
	PermDeleteAgent Permission = "delete:agent"
	PermReadStatus  Permission = "read:status"
	PermArbitrate   Permission = "arbitrate:session"
	PermAdmin       Permission = "admin:all"
)

// Role is a named permission bundle carried in a token's claims.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
	RoleViewer   Role = "viewer"
)

// rolePermissions maps each role to the permissions it grants. Admin holds
// the wildcard and is special-cased in HasPermission.
var rolePermissions = map[Role][]Permission{
	RoleAdmin:    {PermAdmin},
	RoleOperator: {PermSubmitTask, PermCancelTask, PermCreateAgent, PermDeleteAgent, PermReadStatus, PermArbitrate},
	RoleAgent:    {PermSubmitTask, PermReadStatus},
	RoleViewer:   {PermReadStatus},
}

// Credentials is what a caller presents on a credentialed operation: a
// signed bearer token plus the tenant it claims to act within.
type Credentials struct {
	Token    string
	TenantID string
}

// Principal is the verified identity extracted from a valid token.
type Principal struct {
	ActorID  string
	TenantID string
	Role     Role
}

// actorClaims is the JWT claim set issued to orchestrator actors.
type actorClaims struct {
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// AuditEntry records one authorization decision for later inspection. The
// audit log is append-only and bounded.
type AuditEntry struct {
	At        time.Time  `json:"at"`
	ActorID   string     `json:"actor_id"`
	TenantID  string     `json:"tenant_id"`
	Operation Permission `json:"operation"`
	Allowed   bool       `json:"allowed"`
	Reason    string     `json:"reason,omitempty"`
}

const maxAuditEntries = 10000

// Context verifies tokens, checks role permissions, applies a per-actor
// token-bucket rate limit, and records every decision in the audit log.
type Context struct {
	signingKey []byte
	rps        rate.Limit
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	audit    []AuditEntry

	log logger.Logger
}

// NewContext builds a security context with an HMAC signing key for token
// verification and per-actor rate-limit settings.
func NewContext(signingKey string, perActorRPS float64, burst int, log logger.Logger) *Context {
	if perActorRPS <= 0 {
		perActorRPS = 50
	}
	if burst <= 0 {
		burst = 100
	}
	if log == nil {
		log = logger.NoOp{}
	}
	return &Context{
		signingKey: []byte(signingKey),
		rps:        rate.Limit(perActorRPS),
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
		log:        log.WithComponent("arbiter/security"),
	}
}

// IssueToken mints a signed token for the given actor. Primarily used by
// tests and the bootstrap path that provisions the initial operator.
func (c *Context) IssueToken(actorID, tenantID string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := actorClaims{
		Role:     string(role),
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.signingKey)
}

// Authenticate verifies the presented token and returns the principal it
// identifies. Failures are authorization-kind errors; they are audited by
// Authorize, which is the entry point credentialed operations use.
func (c *Context) Authenticate(cred Credentials) (*Principal, error) {
	parsed, err := jwt.ParseWithClaims(cred.Token, &actorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.signingKey, nil
	})
	if err != nil {
		return nil, core.New("security.Authenticate", core.KindAuthorization, core.ErrUnauthorized, "token verification failed")
	}
	claims, ok := parsed.Claims.(*actorClaims)
	if !ok || !parsed.Valid {
		return nil, core.New("security.Authenticate", core.KindAuthorization, core.ErrUnauthorized, "invalid token claims")
	}
	tenant := cred.TenantID
	if tenant == "" {
		tenant = claims.TenantID
	} else if claims.TenantID != "" && claims.TenantID != tenant {
		return nil, core.New("security.Authenticate", core.KindAuthorization, core.ErrUnauthorized, "token not valid for tenant")
	}
	return &Principal{
		ActorID:  claims.Subject,
		TenantID: tenant,
		Role:     Role(claims.Role),
	}, nil
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == PermAdmin || p == perm {
			return true
		}
	}
	return false
}

// Authorize runs the full gate for one credentialed operation: authenticate,
// check the role's permissions, apply the actor's rate limit, and append an
// audit entry regardless of outcome.
func (c *Context) Authorize(cred Credentials, op Permission) (*Principal, error) {
	principal, err := c.Authenticate(cred)
	if err != nil {
		c.recordAudit(AuditEntry{At: time.Now(), Operation: op, Allowed: false, Reason: "authentication failed"})
		return nil, err
	}
	if !HasPermission(principal.Role, op) {
		c.recordAudit(AuditEntry{
			At: time.Now(), ActorID: principal.ActorID, TenantID: principal.TenantID,
			Operation: op, Allowed: false, Reason: fmt.Sprintf("role %q lacks permission", principal.Role),
		})
		return nil, core.New("security.Authorize", core.KindAuthorization, core.ErrUnauthorized,
			fmt.Sprintf("role %q lacks permission %q", principal.Role, op))
	}
	if !c.limiterFor(principal.ActorID).Allow() {
		c.recordAudit(AuditEntry{
			At: time.Now(), ActorID: principal.ActorID, TenantID: principal.TenantID,
			Operation: op, Allowed: false, Reason: "rate limited",
		})
		return nil, core.New("security.Authorize", core.KindAuthorization, core.ErrRateLimited,
			fmt.Sprintf("actor %q rate limited", principal.ActorID)).Retry()
	}
	c.recordAudit(AuditEntry{
		At: time.Now(), ActorID: principal.ActorID, TenantID: principal.TenantID,
		Operation: op, Allowed: true,
	})
	return principal, nil
}

func (c *Context) limiterFor(actorID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(c.rps, c.burst)
		c.limiters[actorID] = lim
	}
	return lim
}

func (c *Context) recordAudit(entry AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.audit) == maxAuditEntries {
		copy(c.audit, c.audit[1:])
		c.audit = c.audit[:len(c.audit)-1]
	}
	c.audit = append(c.audit, entry)
	if !entry.Allowed {
		c.log.Warn("authorization denied", logger.F(
			"actor_id", entry.ActorID,
			"operation", string(entry.Operation),
			"reason", entry.Reason,
		))
	}
}

// AuditLog returns a copy of the most recent limit audit entries, oldest
// first. limit <= 0 returns everything retained.
func (c *Context) AuditLog(limit int) []AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.audit
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]AuditEntry, len(entries))
	copy(out, entries)
	return out
}
