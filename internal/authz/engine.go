// Package authz implements role-based authorization with per-user grant
// overrides. Role inheritance is flattened once at engine construction, so
// every check walks a precomputed permission list.
//
// Precedence, highest first: deny grant, allow grant, role permission,
// default deny.
package authz

import (
	"context"
	"fmt"
	"time"

	"authgrid.org/internal/audit"
	"authgrid.org/internal/obs"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Check is a single (action, resource) pair for CheckAll / CheckAny.
type Check struct {
	Action   string
	Resource Resource
}

// Engine answers authorization questions. It is immutable after
// construction and safe for concurrent use.
type Engine struct {
	flat       map[string][]Permission
	grants     GrantStore
	predicates map[string]Predicate
	now        func() time.Time
	auditLog   bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithGrantStore attaches per-user grant overrides.
func WithGrantStore(gs GrantStore) EngineOption {
	return func(e *Engine) { e.grants = gs }
}

// WithPredicate registers the evaluator for dynamic conditions tagged tag.
func WithPredicate(tag string, p Predicate) EngineOption {
	return func(e *Engine) { e.predicates[tag] = p }
}

// WithEngineClock overrides the time source (used for grant expiry).
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithAudit enables an audit log line per check.
func WithAudit(enabled bool) EngineOption {
	return func(e *Engine) { e.auditLog = enabled }
}

// NewEngine flattens the role hierarchy and validates it. Unknown
// inherited roles and inheritance cycles are construction errors.
func NewEngine(roles []RoleDef, opts ...EngineOption) (*Engine, error) {
	defs := make(map[string]RoleDef, len(roles))
	for _, r := range roles {
		if r.Name == "" {
			return nil, fmt.Errorf("authz: role with empty name")
		}
		if _, dup := defs[r.Name]; dup {
			return nil, fmt.Errorf("authz: duplicate role %q", r.Name)
		}
		defs[r.Name] = r
	}

	e := &Engine{
		flat:       make(map[string][]Permission, len(roles)),
		predicates: make(map[string]Predicate),
		now:        time.Now,
	}
	for name := range defs {
		perms, err := flatten(name, defs, map[string]bool{}, map[string]bool{})
		if err != nil {
			return nil, err
		}
		e.flat[name] = perms
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// flatten collects the role's own permissions plus everything inherited,
// depth-first. visiting tracks the current path for cycle detection.
func flatten(name string, defs map[string]RoleDef, visiting, done map[string]bool) ([]Permission, error) {
	if visiting[name] {
		return nil, fmt.Errorf("authz: inheritance cycle through role %q", name)
	}
	def, ok := defs[name]
	if !ok {
		return nil, fmt.Errorf("authz: role %q inherits unknown role", name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	perms := append([]Permission(nil), def.Permissions...)
	for _, parent := range def.Inherits {
		inherited, err := flatten(parent, defs, visiting, done)
		if err != nil {
			return nil, err
		}
		perms = append(perms, inherited...)
	}
	return perms, nil
}

// Roles lists the known role names.
func (e *Engine) Roles() []string {
	names := make([]string, 0, len(e.flat))
	for name := range e.flat {
		names = append(names, name)
	}
	return names
}

// KnownRole reports whether the engine has a flattened entry for the role.
func (e *Engine) KnownRole(name string) bool {
	_, ok := e.flat[name]
	return ok
}

// Can is the boolean shorthand for Check.
func (e *Engine) Can(ctx context.Context, sub Subject, action string, res Resource) bool {
	return e.CheckPermission(ctx, sub, action, res).Allowed
}

// CheckPermission evaluates the full precedence chain. A grant store
// failure denies: authorization never degrades open.
func (e *Engine) CheckPermission(ctx context.Context, sub Subject, action string, res Resource) Decision {
	d := e.decide(ctx, sub, action, res)
	if d.Allowed {
		obs.ObservePermissionCheck("allow")
	} else {
		obs.ObservePermissionCheck("deny")
	}
	if e.auditLog {
		audit.LogEvent(ctx, "authz.check", map[string]any{
			"subject_user":  sub.UserID,
			"subject_role":  sub.Role,
			"action":        action,
			"resource_type": res.Type,
			"resource_id":   res.ID,
			"allowed":       d.Allowed,
			"reason":        d.Reason,
		})
	}
	return d
}

func (e *Engine) decide(ctx context.Context, sub Subject, action string, res Resource) Decision {
	if e.grants != nil {
		grants, err := e.grants.GrantsFor(ctx, sub.UserID)
		if err != nil {
			return Decision{Allowed: false, Reason: fmt.Sprintf("grant lookup failed: %v", err)}
		}
		now := e.now()
		var allow *Grant
		for i := range grants {
			g := grants[i]
			if g.Expired(now) || !g.matches(action, res) {
				continue
			}
			if g.Effect == EffectDeny {
				return Decision{Allowed: false, Reason: fmt.Sprintf("denied by grant %s", g.ID)}
			}
			if allow != nil {
				continue
			}
			held, err := e.conditionsHold(sub, res, g.Conditions)
			if err != nil || !held {
				continue
			}
			allow = &grants[i]
		}
		if allow != nil {
			return Decision{Allowed: true, Reason: fmt.Sprintf("allowed by grant %s", allow.ID)}
		}
	}

	perms, ok := e.flat[sub.Role]
	if !ok {
		return Decision{Allowed: false, Reason: fmt.Sprintf("unknown role %q", sub.Role)}
	}
	var failed string
	for _, p := range perms {
		if !p.matches(action, res.Type) {
			continue
		}
		held, err := e.conditionsHold(sub, res, p.Conditions)
		if err != nil {
			// Misconfigured condition: treat the permission as not held.
			failed = err.Error()
			continue
		}
		if held {
			return Decision{Allowed: true, Reason: fmt.Sprintf("role %s permits %s on %s", sub.Role, p.Action, p.Subject)}
		}
		failed = "conditions not met"
	}
	if failed != "" {
		return Decision{Allowed: false, Reason: failed}
	}
	return Decision{Allowed: false, Reason: "no matching permission"}
}

func (e *Engine) conditionsHold(sub Subject, res Resource, conds []Condition) (bool, error) {
	for _, c := range conds {
		ok, err := c.eval(sub, res, e.predicates)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// CheckAll allows only when every check allows; the first denial wins.
func (e *Engine) CheckAll(ctx context.Context, sub Subject, checks ...Check) Decision {
	for _, c := range checks {
		if d := e.CheckPermission(ctx, sub, c.Action, c.Resource); !d.Allowed {
			return d
		}
	}
	return Decision{Allowed: true, Reason: "all checks passed"}
}

// CheckAny allows when at least one check allows.
func (e *Engine) CheckAny(ctx context.Context, sub Subject, checks ...Check) Decision {
	for _, c := range checks {
		if d := e.CheckPermission(ctx, sub, c.Action, c.Resource); d.Allowed {
			return d
		}
	}
	return Decision{Allowed: false, Reason: "no check passed"}
}
