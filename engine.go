package abac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/abac/logger"
)

// DefaultEvaluationTimeout bounds the store calls of a single evaluation
const DefaultEvaluationTimeout = 5 * time.Second

// EngineOption configures an Engine
type EngineOption func(*Engine) error

// Engine evaluates access requests against attribute-based policies. The
// first applicable policy whose conditions evaluate without error decides;
// with no such policy the request is denied. Every call emits exactly one
// audit event.
type Engine struct {
	attributes AttributeStore
	policies   PolicyStore
	audit      AuditLogger

	cache      DecisionCache
	cacheTTL   time.Duration
	conditions *conditionCache
	timeout    time.Duration
	now        Clock

	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
}

func NewEngine(attributes AttributeStore, policies PolicyStore, audit AuditLogger, opts ...EngineOption) (*Engine, error) {
	if attributes == nil || policies == nil {
		return nil, errors.New("attribute and policy stores are required")
	}
	if audit == nil {
		return nil, errors.New("audit logger is required")
	}
	e := &Engine{
		attributes:  attributes,
		policies:    policies,
		audit:       audit,
		cacheTTL:    DefaultDecisionCacheTTL,
		timeout:     DefaultEvaluationTimeout,
		now:         time.Now,
		logger:      logger.NewPhusluLogger(),
		traceIDFunc: uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cache == nil {
		e.cache = NewMemoryDecisionCache(e.now)
	}
	if e.conditions == nil {
		cc, err := newConditionCache(RistrettoConfig{})
		if err != nil {
			return nil, fmt.Errorf("condition cache: %w", err)
		}
		e.conditions = cc
	}
	return e, nil
}

// WithDecisionCache replaces the default in-memory decision cache
func WithDecisionCache(c DecisionCache) EngineOption {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithDecisionCacheTTL sets how long decisions are cached. Zero disables caching.
func WithDecisionCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl < 0 {
			return fmt.Errorf("decision cache ttl must not be negative: %s", ttl)
		}
		e.cacheTTL = ttl
		return nil
	}
}

// WithEvaluationTimeout bounds the store calls made by one evaluation
func WithEvaluationTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("evaluation timeout must be positive: %s", d)
		}
		e.timeout = d
		return nil
	}
}

// WithClock injects the time source used for expiry checks and timestamps
func WithClock(c Clock) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		e.now = c
		return nil
	}
}

// WithConditionCache sizes the ristretto cache holding compiled conditions
func WithConditionCache(cfg RistrettoConfig) EngineOption {
	return func(e *Engine) error {
		cc, err := newConditionCache(cfg)
		if err != nil {
			return fmt.Errorf("condition cache: %w", err)
		}
		e.conditions = cc
		return nil
	}
}

// EvaluateAccess reports whether subjectID may perform action on the resource
func (e *Engine) EvaluateAccess(ctx context.Context, subjectID, resourceID, resourceType, action string, rc RequestContext) bool {
	return e.Decide(ctx, subjectID, resourceID, resourceType, action, rc).Allow
}

// Decide runs an evaluation and returns the full decision
func (e *Engine) Decide(ctx context.Context, subjectID, resourceID, resourceType, action string, rc RequestContext) *Decision {
	start := e.now()
	if rc.CorrelationID == "" && e.traceIDFunc != nil {
		rc.CorrelationID = e.traceIDFunc()
	}
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	d := &Decision{Result: ResultDeny, EvaluatedAt: start}
	ec, err := e.buildContext(evalCtx, subjectID, resourceID, resourceType, action, rc, start)
	d.Context = ec
	if err != nil {
		e.fail(d, "attribute lookup failed", err, subjectID, resourceID)
		e.emit(ctx, subjectID, resourceID, resourceType, action, rc, d)
		return d
	}

	key := DecisionKey{SubjectID: subjectID, ResourceID: resourceID, Action: action}
	if cached, ok := e.cacheGet(evalCtx, key); ok {
		d.Allow = cached.Allow
		d.CacheHit = true
		d.Result = resultFor(cached.Allow)
		e.emit(ctx, subjectID, resourceID, resourceType, action, rc, d)
		return d
	}

	policies, err := e.policies.GetApplicablePolicies(evalCtx, resourceID, resourceType, start)
	if err != nil {
		if !errors.Is(err, ErrPolicyLookup) {
			err = fmt.Errorf("%w: %w", ErrPolicyLookup, err)
		}
		e.fail(d, "policy lookup failed", err, subjectID, resourceID)
		e.emit(ctx, subjectID, resourceID, resourceType, action, rc, d)
		return d
	}

	for _, p := range policies {
		outcome, err := e.evaluatePolicy(p, ec)
		if err != nil {
			e.logger.Warn("policy skipped", "policy_id", p.ID, "policy", p.Name, "error", err)
			continue
		}
		id := p.ID
		d.Allow = outcome
		d.MatchedPolicyID = &id
		d.Result = resultFor(outcome)
		e.cacheSet(evalCtx, key, CachedDecision{Allow: outcome, CachedAt: start})
		break
	}
	if d.MatchedPolicyID == nil {
		e.logger.Debug("no applicable policy decided, denying", "subject", subjectID, "resource", resourceID, "action", action)
	}
	e.emit(ctx, subjectID, resourceID, resourceType, action, rc, d)
	return d
}

// BatchEvaluate decides each request in order. It stops at the first
// cancellation of ctx.
func (e *Engine) BatchEvaluate(ctx context.Context, requests []AccessRequest) ([]*Decision, error) {
	decisions := make([]*Decision, len(requests))
	for i, req := range requests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decisions[i] = e.Decide(ctx, req.SubjectID, req.ResourceID, req.ResourceType, req.Action, req.Context)
	}
	return decisions, nil
}

// Simulate evaluates a single policy against a prepared context without
// touching the cache or the audit trail
func (e *Engine) Simulate(p *Policy, ec *EvaluationContext) (*Decision, error) {
	d := &Decision{Result: ResultDeny, EvaluatedAt: e.now(), Context: ec}
	compiled, err := CompileConditions(p.Conditions)
	if err != nil {
		d.Result = ResultError
		d.Err = err
		return d, err
	}
	matched, err := compiled.Evaluate(ec)
	if err != nil {
		d.Result = ResultError
		d.Err = err
		return d, err
	}
	outcome := applyEffect(p.Effect, matched)
	id := p.ID
	d.Allow = outcome
	d.MatchedPolicyID = &id
	d.Result = resultFor(outcome)
	return d, nil
}

// InvalidateDecisionCache drops every cached decision and compiled condition
func (e *Engine) InvalidateDecisionCache(ctx context.Context) error {
	e.conditions.clear()
	if err := e.cache.Invalidate(ctx); err != nil {
		e.logger.Warn("decision cache invalidation failed", "error", err)
		return err
	}
	return nil
}

func (e *Engine) evaluatePolicy(p *Policy, ec *EvaluationContext) (bool, error) {
	compiled, err := e.conditions.compile(p)
	if err != nil {
		return false, err
	}
	matched, err := compiled.Evaluate(ec)
	if err != nil {
		return false, fmt.Errorf("policy %d: %w", p.ID, err)
	}
	return applyEffect(p.Effect, matched), nil
}

func applyEffect(effect Effect, matched bool) bool {
	if effect == EffectDeny {
		return !matched
	}
	return matched
}

func resultFor(allow bool) Result {
	if allow {
		return ResultAllow
	}
	return ResultDeny
}

func (e *Engine) buildContext(ctx context.Context, subjectID, resourceID, resourceType, action string, rc RequestContext, at time.Time) (*EvaluationContext, error) {
	ec := &EvaluationContext{Action: action, Environment: environmentAttributes(rc, at)}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		attrs, err := e.attributes.GetAttributes(gctx, string(EntityUser), subjectID, at)
		if err != nil {
			return lookupError("user", subjectID, err)
		}
		ec.User = attrs
		return nil
	})
	g.Go(func() error {
		attrs, err := e.attributes.GetAttributes(gctx, resourceType, resourceID, at)
		if err != nil {
			return lookupError(resourceType, resourceID, err)
		}
		ec.Resource = attrs
		return nil
	})
	err := g.Wait()
	if ec.User == nil {
		ec.User = map[string]any{}
	}
	if ec.Resource == nil {
		ec.Resource = map[string]any{}
	}
	return ec, err
}

func lookupError(entityType, entityID string, err error) error {
	if errors.Is(err, ErrAttributeLookup) {
		return fmt.Errorf("%s %s: %w", entityType, entityID, err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrAttributeLookup, entityType, entityID, err)
}

func environmentAttributes(rc RequestContext, at time.Time) map[string]any {
	env := map[string]any{"time": at.UTC().Format(time.RFC3339Nano)}
	if rc.IPAddress != "" {
		env["ip"] = rc.IPAddress
	}
	if rc.UserAgent != "" {
		env["user_agent"] = rc.UserAgent
	}
	if rc.Location != nil {
		env["location"] = rc.Location
	}
	if rc.DeviceInfo != nil {
		env["device_info"] = rc.DeviceInfo
	}
	for k, v := range rc.Environment {
		env[k] = v
	}
	return env
}

func (e *Engine) fail(d *Decision, msg string, err error, subjectID, resourceID string) {
	d.Allow = false
	d.Result = ResultError
	d.Err = err
	e.logger.Error(msg, "subject", subjectID, "resource", resourceID, "error", err)
}

func (e *Engine) cacheGet(ctx context.Context, key DecisionKey) (CachedDecision, bool) {
	if e.cacheTTL <= 0 {
		return CachedDecision{}, false
	}
	cached, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("decision cache read failed", "key", key.String(), "error", err)
		return CachedDecision{}, false
	}
	return cached, ok
}

func (e *Engine) cacheSet(ctx context.Context, key DecisionKey, d CachedDecision) {
	if e.cacheTTL <= 0 {
		return
	}
	if err := e.cache.Set(ctx, key, d, e.cacheTTL); err != nil {
		e.logger.Warn("decision cache write failed", "key", key.String(), "error", err)
	}
}

// emit records the decision. The request context may already be cancelled,
// so the event is submitted on a detached context.
func (e *Engine) emit(ctx context.Context, subjectID, resourceID, resourceType, action string, rc RequestContext, d *Decision) {
	result := map[string]any{
		"decision":          d.Allow,
		"result":            string(d.Result),
		"cache_hit":         d.CacheHit,
		"matched_policy_id": d.MatchedPolicyID,
	}
	if d.Err != nil {
		result["error"] = d.Err.Error()
	}
	details := map[string]any{"evaluation_result": result}
	if d.Context != nil {
		details["evaluation_context"] = d.Context.Snapshot()
	}
	severity := SeverityInfo
	switch d.Result {
	case ResultDeny:
		severity = SeveritySecurity
	case ResultError:
		severity = SeverityError
	}
	ev := &AuditEvent{
		Timestamp:     d.EvaluatedAt,
		EventType:     EventAuthorization,
		Severity:      severity,
		SubjectID:     subjectID,
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Result:        string(d.Result),
		PolicyID:      d.MatchedPolicyID,
		Details:       details,
		IPAddress:     rc.IPAddress,
		UserAgent:     rc.UserAgent,
		Location:      rc.Location,
		DeviceInfo:    rc.DeviceInfo,
		SessionID:     rc.SessionID,
		CorrelationID: rc.CorrelationID,
		RequestID:     rc.RequestID,
	}
	if err := e.audit.LogEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Error("audit event not recorded", "subject", subjectID, "resource", resourceID, "error", err)
	}
}
