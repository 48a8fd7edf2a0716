// Package authz authorizes realtime connections and their events.
//
// A single Pipeline serves both the handshake and every inbound event. The
// stage list depends on the Context: the handshake runs privileged bypass,
// tenant, API key and session stages; events additionally pass the rate
// limit stage before the session stage. All stages read fresh lookups.
package authz

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/relaygate/relaygate/internal/protocol"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/store"
)

// TenantLookup resolves tenant snapshots. It returns nil, nil when the
// tenant does not exist.
type TenantLookup interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
}

// SessionLookup resolves session access tokens. It returns nil, nil when the
// token does not resolve.
type SessionLookup interface {
	ResolveSession(ctx context.Context, tenantID, token string) (*session.Session, error)
}

// RateLimiter consumes one point from each descriptor and returns the first
// exhausted one.
type RateLimiter interface {
	Check(ctx context.Context, limits []store.RateLimit, subject string) (*store.RateLimit, error)
}

// Kind classifies a pipeline result.
type Kind int

const (
	Ok Kind = iota
	// Refuse rejects the handshake or the single event.
	Refuse
	// Terminate rejects and closes the transport.
	Terminate
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Refuse:
		return "refuse"
	case Terminate:
		return "terminate"
	}
	return "unknown"
}

// Result is the outcome of a stage or of the whole pipeline.
type Result struct {
	Kind Kind
	Err  *protocol.Error
}

var okResult = Result{Kind: Ok}

func refuse(err *protocol.Error) Result    { return Result{Kind: Refuse, Err: err} }
func terminate(err *protocol.Error) Result { return Result{Kind: Terminate, Err: err} }

// Context parameterizes a pipeline run.
type Context struct {
	Handshake bool
}

// Request carries the credentials a connection presented plus what the
// transport knows about the peer.
type Request struct {
	TenantID             string
	APIKey               string
	SessionToken         string
	EchoMessages         bool
	PrivilegedCredential string
	Origin               string
	ClientIP             string
}

// Pending holds the attributes stages derive. The caller promotes them to the
// connection only when the run returns Ok.
type Pending struct {
	Privileged  bool
	TenantID    string
	VersionID   string
	EchoDefault bool
	APIKey      *store.APIKey
	APIKeys     []store.APIKey
	RateLimits  []store.RateLimit
	UserID      string

	tenant *store.Tenant
}

type stage struct {
	name string
	run  func(ctx context.Context, req *Request, p *Pending) (Result, bool)
}

// Options configures a Pipeline.
type Options struct {
	PrivilegedSecret string
	Tenants          TenantLookup
	Sessions         SessionLookup
	Limits           RateLimiter
	Logger           *slog.Logger
	Now              func() time.Time
}

// Pipeline runs the ordered authorization stages.
type Pipeline struct {
	privilegedSecret []byte
	tenants          TenantLookup
	sessions         SessionLookup
	limits           RateLimiter
	logger           *slog.Logger
	now              func() time.Time

	handshake []stage
	event     []stage
}

func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Pipeline{
		privilegedSecret: []byte(opts.PrivilegedSecret),
		tenants:          opts.Tenants,
		sessions:         opts.Sessions,
		limits:           opts.Limits,
		logger:           opts.Logger.With("component", "authz"),
		now:              opts.Now,
	}
	privileged := stage{"privileged", p.checkPrivileged}
	tenant := stage{"tenant", p.checkTenant}
	apiKey := stage{"api_key", p.checkAPIKey}
	rateLimit := stage{"rate_limit", p.checkRateLimit}
	sess := stage{"session", p.checkSession}

	p.handshake = []stage{privileged, tenant, apiKey, sess}
	p.event = []stage{privileged, tenant, apiKey, rateLimit, sess}
	return p
}

// Run evaluates req in order and stops at the first non-Ok stage. Outside
// the handshake a Terminate result carries the "unauthorized event" message
// so the connection's error handler disconnects it.
func (p *Pipeline) Run(ctx context.Context, pc Context, req Request) (Pending, Result) {
	stages := p.event
	if pc.Handshake {
		stages = p.handshake
	}

	var pending Pending
	for _, s := range stages {
		res, done := s.run(ctx, &req, &pending)
		if res.Kind != Ok {
			p.logger.Debug("authorization refused",
				"stage", s.name, "handshake", pc.Handshake, "tenant_id", req.TenantID,
				"kind", res.Kind.String(), "code", res.Err.Code)
			if res.Kind == Terminate && !pc.Handshake {
				e := *res.Err
				e.Message = protocol.UnauthorizedEvent
				res.Err = &e
			}
			return pending, res
		}
		if done {
			break
		}
	}
	return pending, okResult
}

func (p *Pipeline) checkPrivileged(_ context.Context, req *Request, pending *Pending) (Result, bool) {
	if len(p.privilegedSecret) == 0 || req.PrivilegedCredential == "" {
		return okResult, false
	}
	if subtle.ConstantTimeCompare([]byte(req.PrivilegedCredential), p.privilegedSecret) == 1 {
		pending.Privileged = true
		return okResult, true
	}
	return okResult, false
}

func (p *Pipeline) checkTenant(ctx context.Context, req *Request, pending *Pending) (Result, bool) {
	if req.TenantID == "" {
		return refuse(protocol.ClientError(protocol.CodeNoEnvironment,
			"Realtime Connection Error - Missing Environment",
			"No environment id provided in the handshake")), false
	}

	t, err := p.tenants.GetTenant(ctx, req.TenantID)
	if err != nil {
		p.logger.Error("tenant lookup failed", "tenant_id", req.TenantID, "error", err)
		return refuse(internalError("Cannot resolve the environment configuration")), false
	}
	if t == nil {
		return refuse(protocol.ClientError(protocol.CodeNoEnvironment,
			"Realtime Connection Error - Environment Not Found",
			"No environment exists with the provided id '"+req.TenantID+"'")), false
	}
	if t.Suspended {
		return refuse(protocol.ClientError(protocol.CodeSuspendedEnvironment,
			"Realtime Connection Error - Suspended Environment",
			"The environment has been suspended")), false
	}
	if !t.RealtimeEnabled {
		return refuse(protocol.ClientError(protocol.CodeRealtimeNotAllowed,
			"Realtime Connection Error - Realtime Not Allowed",
			"Realtime service is not enabled for the environment")), false
	}

	pending.tenant = t
	pending.TenantID = t.ID
	pending.VersionID = t.VersionID
	pending.APIKeys = t.APIKeys
	pending.RateLimits = t.RateLimits
	pending.EchoDefault = req.EchoMessages
	return okResult, false
}

func (p *Pipeline) checkRateLimit(ctx context.Context, req *Request, pending *Pending) (Result, bool) {
	if p.limits == nil || len(pending.RateLimits) == 0 {
		return okResult, false
	}
	hit, err := p.limits.Check(ctx, pending.RateLimits, SubjectKey(pending.TenantID, req.ClientIP))
	if err != nil {
		p.logger.Error("rate limit backplane failed", "tenant_id", pending.TenantID, "error", err)
		return refuse(internalError("Cannot evaluate the rate limits")), false
	}
	if hit != nil {
		msg := hit.ErrorMessage
		if msg == "" {
			msg = "Rate limit exceeded"
		}
		return refuse(protocol.ClientError(protocol.CodeRateLimitExceeded, msg, map[string]any{
			"limitId":         hit.ID,
			"points":          hit.Points,
			"durationSeconds": hit.DurationSeconds,
		})), false
	}
	return okResult, false
}

func (p *Pipeline) checkSession(ctx context.Context, req *Request, pending *Pending) (Result, bool) {
	t := pending.tenant
	if !t.SessionRequired {
		// An optional token still binds a user when it resolves.
		if req.SessionToken != "" && p.sessions != nil {
			s, err := p.sessions.ResolveSession(ctx, t.ID, req.SessionToken)
			if err != nil {
				p.logger.Warn("optional session lookup failed", "tenant_id", t.ID, "error", err)
			} else if s != nil {
				pending.UserID = s.UserID
			}
		}
		return okResult, false
	}

	if req.SessionToken == "" {
		return refuse(protocol.ClientError(protocol.CodeMissingSessionToken,
			"Realtime Connection Error - Missing Session Token",
			"No valid session token provided for socket authentication")), false
	}
	if p.sessions == nil {
		return refuse(internalError("Session resolution is not configured")), false
	}
	s, err := p.sessions.ResolveSession(ctx, t.ID, req.SessionToken)
	if err != nil {
		p.logger.Error("session lookup failed", "tenant_id", t.ID, "error", err)
		return refuse(internalError("Cannot process user session check")), false
	}
	if s == nil {
		return refuse(protocol.ClientError(protocol.CodeInvalidSessionToken,
			"Realtime Connection Error - Invalid Session Token",
			"The Session token was not authorized or has expired")), false
	}
	pending.UserID = s.UserID
	return okResult, false
}

// SubjectKey is the rate limit subject for a client of a tenant.
func SubjectKey(tenantID, clientIP string) string {
	return tenantID + "." + clientIP
}

func internalError(details string) *protocol.Error {
	return protocol.ServerError(protocol.CodeInternalServerError, "Internal Server Error", details)
}
