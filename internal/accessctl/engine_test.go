package accessctl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/secretd/internal/errors"
)

func TestClosedWorldDefaultDeny(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil)
	err := e.Authorize("anyone", "db/password", OpRead)
	require.Error(t, err)
	assert.True(t, dserrors.IsUnauthorized(err))
}

func TestExactAndWildcardPatterns(t *testing.T) {
	t.Parallel()

	e := NewEngine([]Rule{
		{Principal: "app", Pattern: "db/password", Operations: []Operation{OpRead}, Effect: Allow},
		{Principal: "ops", Pattern: "db/*", Operations: []Operation{OpRead, OpRotate}, Effect: Allow},
	})

	assert.NoError(t, e.Authorize("app", "db/password", OpRead))
	assert.Error(t, e.Authorize("app", "db/password", OpWrite), "ungranted operation is denied")
	assert.Error(t, e.Authorize("app", "db/other", OpRead), "exact pattern does not widen")

	assert.NoError(t, e.Authorize("ops", "db/password", OpRead))
	assert.NoError(t, e.Authorize("ops", "db/replica/password", OpRotate))
	assert.Error(t, e.Authorize("ops", "dbx/password", OpRead), "prefix match is segment-aware")
	assert.Error(t, e.Authorize("ops", "api/key", OpRead))
}

func TestExplicitDenyWins(t *testing.T) {
	t.Parallel()

	e := NewEngine([]Rule{
		{Principal: "ci", Pattern: "db/*", Operations: []Operation{OpRead}, Effect: Allow},
		{Principal: "ci", Pattern: "db/admin-password", Operations: []Operation{OpRead}, Effect: Deny},
	})

	assert.NoError(t, e.Authorize("ci", "db/app-password", OpRead))

	err := e.Authorize("ci", "db/admin-password", OpRead)
	require.Error(t, err)
	var ua dserrors.UnauthorizedError
	require.ErrorAs(t, err, &ua)
	assert.Contains(t, ua.Reason, "explicitly denied")

	// Deny wins regardless of rule order or pattern length.
	e2 := NewEngine([]Rule{
		{Principal: "ci", Pattern: "db/admin-password", Operations: []Operation{OpRead}, Effect: Allow},
		{Principal: "ci", Pattern: "db/*", Operations: []Operation{OpRead}, Effect: Deny},
	})
	assert.Error(t, e2.Authorize("ci", "db/admin-password", OpRead))
}

func TestWildcardPrincipalAndOperation(t *testing.T) {
	t.Parallel()

	e := NewEngine([]Rule{
		{Principal: "*", Pattern: "public/*", Operations: []Operation{OpRead}, Effect: Allow},
		{Principal: "admin", Pattern: "db/*", Operations: []Operation{"*"}, Effect: Allow},
	})

	assert.NoError(t, e.Authorize("whoever", "public/banner", OpRead))
	assert.Error(t, e.Authorize("whoever", "public/banner", OpWrite))
	assert.NoError(t, e.Authorize("admin", "db/password", OpRotate))
}

func TestMatchAllPattern(t *testing.T) {
	t.Parallel()

	e := NewEngine([]Rule{
		{Principal: "root", Pattern: "*", Operations: []Operation{"*"}, Effect: Allow},
		{Principal: "root", Pattern: "audit/*", Operations: []Operation{OpWrite}, Effect: Deny},
	})

	assert.NoError(t, e.Authorize("root", "db/password", OpWrite))
	assert.NoError(t, e.Authorize("root", "*", OpRead), "grants catch-all admin queries")
	assert.Error(t, e.Authorize("root", "audit/trail", OpWrite), "deny still beats the catch-all")
}

func TestSystemRotationPrincipalBypasses(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil)
	assert.NoError(t, e.Authorize(SystemRotation, "anything", OpRotate))
	assert.NoError(t, e.Authorize(SystemRotation, "anything", OpWrite))
}

func TestDecisionCache(t *testing.T) {
	t.Parallel()

	e := NewEngine([]Rule{
		{Principal: "app", Pattern: "db/*", Operations: []Operation{OpRead}, Effect: Allow},
	}, WithCacheTTL(time.Minute))

	require.NoError(t, e.Authorize("app", "db/password", OpRead))
	require.Error(t, e.Authorize("app", "api/key", OpRead))

	// Mutating the rule slice does not change cached answers until
	// invalidation; reload paths must call Invalidate.
	e.rules = nil
	assert.NoError(t, e.Authorize("app", "db/password", OpRead))

	e.Invalidate()
	assert.Error(t, e.Authorize("app", "db/password", OpRead))
}

func TestParseDocument(t *testing.T) {
	t.Parallel()

	rules, err := ParseDocument([]byte(`{
		"policies": [
			{"principal": "app", "pattern": "db/*", "operations": ["READ"], "effect": "allow"},
			{"principal": "app", "pattern": "db/root", "operations": ["*"], "effect": "deny"}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, Allow, rules[0].Effect)
	assert.Equal(t, []Operation{OpRead}, rules[0].Operations)
	assert.Equal(t, Deny, rules[1].Effect)
}

func TestParseDocumentRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{policies: [}`},
		{"missing policies", `{}`},
		{"bad effect", `{"policies": [{"principal": "a", "pattern": "x", "operations": ["READ"], "effect": "permit"}]}`},
		{"bad operation", `{"policies": [{"principal": "a", "pattern": "x", "operations": ["DELETE"], "effect": "allow"}]}`},
		{"empty operations", `{"policies": [{"principal": "a", "pattern": "x", "operations": [], "effect": "allow"}]}`},
		{"unknown field", `{"policies": [{"principal": "a", "pattern": "x", "operations": ["READ"], "effect": "allow", "extra": 1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseDocument([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}
