// Package accessctl implements the closed-world access policy engine.
//
// Authorization decisions are made from an in-memory rule set. A request is
// allowed only when an explicit allow rule matches and no matching rule
// denies it; with no matching rule at all the answer is deny. Policy
// evaluation never touches secret material, so it is safe on every path
// including admin queries against disabled or stuck records.
package accessctl

import (
	"strings"
	"sync"
	"time"

	dserrors "github.com/systmms/secretd/internal/errors"
)

// Operation is a policy-controlled verb.
type Operation string

const (
	OpRead   Operation = "READ"
	OpWrite  Operation = "WRITE"
	OpRotate Operation = "ROTATE"
)

// SystemRotation is the principal the scheduler and workers act as.
const SystemRotation = "system:rotation"

// Effect is the rule outcome.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Rule grants or denies operations on secrets matching a pattern. A pattern
// is an exact name, a prefix wildcard such as "db/*", or "*" for everything.
type Rule struct {
	Principal  string
	Pattern    string
	Operations []Operation
	Effect     Effect
}

// Engine evaluates access rules with an optional TTL decision cache.
type Engine struct {
	rules []Rule

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cacheEntry
}

type cacheEntry struct {
	allowed bool
	reason  string
	expires time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCacheTTL enables the decision cache. Zero disables it (the default);
// cached denials live exactly as long as cached grants.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = ttl }
}

// NewEngine builds an engine over a fixed rule set.
func NewEngine(rules []Rule, opts ...Option) *Engine {
	e := &Engine{
		rules: rules,
		cache: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize returns nil when principal may perform op on the named secret,
// or an UnauthorizedError otherwise. The rotation system principal is always
// permitted: its work is driven by policies the operator already authorized.
func (e *Engine) Authorize(principal, secret string, op Operation) error {
	if principal == SystemRotation {
		return nil
	}

	if e.cacheTTL > 0 {
		if allowed, reason, ok := e.cached(principal, secret, op); ok {
			if allowed {
				return nil
			}
			return dserrors.UnauthorizedError{
				Principal: principal, Secret: secret, Operation: string(op), Reason: reason,
			}
		}
	}

	allowed, reason := e.evaluate(principal, secret, op)
	if e.cacheTTL > 0 {
		e.store(principal, secret, op, allowed, reason)
	}
	if allowed {
		return nil
	}
	return dserrors.UnauthorizedError{
		Principal: principal, Secret: secret, Operation: string(op), Reason: reason,
	}
}

// evaluate applies the match rules: an explicit deny on any matching rule
// wins outright; otherwise the longest matching pattern with an allow grants
// access; no match means deny.
func (e *Engine) evaluate(principal, secret string, op Operation) (bool, string) {
	bestAllow := -1
	for _, r := range e.rules {
		if r.Principal != principal && r.Principal != "*" {
			continue
		}
		n, ok := matchPattern(r.Pattern, secret)
		if !ok || !r.permits(op) {
			continue
		}
		if r.Effect == Deny {
			return false, "explicitly denied by policy " + r.Pattern
		}
		if n > bestAllow {
			bestAllow = n
		}
	}
	if bestAllow >= 0 {
		return true, ""
	}
	return false, "no policy grants this operation"
}

func (r Rule) permits(op Operation) bool {
	for _, o := range r.Operations {
		if o == op || o == "*" {
			return true
		}
	}
	return false
}

// matchPattern reports whether pattern matches name and how specific the
// match is (the literal prefix length, used for longest-match ranking).
// The bare pattern "*" matches every name with the lowest specificity.
func matchPattern(pattern, name string) (int, bool) {
	if pattern == "*" {
		return 0, true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		if name == prefix || strings.HasPrefix(name, prefix+"/") {
			return len(prefix), true
		}
		return 0, false
	}
	if pattern == name {
		return len(pattern), true
	}
	return 0, false
}

func (e *Engine) cached(principal, secret string, op Operation) (bool, string, bool) {
	key := principal + "\x00" + secret + "\x00" + string(op)
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expires) {
		delete(e.cache, key)
		return false, "", false
	}
	return entry.allowed, entry.reason, true
}

func (e *Engine) store(principal, secret string, op Operation, allowed bool, reason string) {
	key := principal + "\x00" + secret + "\x00" + string(op)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cacheEntry{allowed: allowed, reason: reason, expires: time.Now().Add(e.cacheTTL)}
}

// Invalidate drops all cached decisions. Called after a policy reload.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cacheEntry)
}
