// Package variables expands ${scope.key} references inside stage commands
// and environment values.
package variables

import (
	"fmt"
	"regexp"
)

var tokenPattern = regexp.MustCompile(`\$\{([a-z]+)\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// UnknownScopeError is returned when a token names a scope the resolver
// does not recognize.
type UnknownScopeError struct {
	Scope string
}

func (e *UnknownScopeError) Error() string { return fmt.Sprintf("variables: unknown scope %q", e.Scope) }

// Warning is emitted (not returned as an error) when a token names an
// unknown key within a known scope; the token still expands to "".
type Warning struct {
	Scope, Key string
}

// SecretProvider is the out-of-scope backend consumed for the "secrets"
// scope.
type SecretProvider interface {
	Get(key string) (string, bool)
}

// Scope resolves one key within one recognized scope.
type Scope interface {
	Get(key string) (string, bool)
}

type mapScope map[string]string

func (m mapScope) Get(key string) (string, bool) { v, ok := m[key]; return v, ok }

type secretScope struct{ provider SecretProvider }

func (s secretScope) Get(key string) (string, bool) {
	if s.provider == nil {
		return "", false
	}
	return s.provider.Get(key)
}

// Resolver expands ${scope.key} tokens against a fixed set of named
// scopes. It records every secret value it resolves so a caller can build
// a redact.Masker before logging the expanded command.
type Resolver struct {
	scopes        map[string]Scope
	secretsSeen   []string
	onUnknownWarn func(Warning)
}

// NewResolver builds a Resolver over the fixed scope set: git, pipeline,
// run, stage, env, secrets, custom.
func NewResolver(git, pipeline, run, stage, env, custom map[string]string, secrets SecretProvider, onWarn func(Warning)) *Resolver {
	if onWarn == nil {
		onWarn = func(Warning) {}
	}
	return &Resolver{
		scopes: map[string]Scope{
			"git":      mapScope(git),
			"pipeline": mapScope(pipeline),
			"run":      mapScope(run),
			"stage":    mapScope(stage),
			"env":      mapScope(env),
			"custom":   mapScope(custom),
			"secrets":  secretScope{provider: secrets},
		},
		onUnknownWarn: onWarn,
	}
}

// Expand performs a single-pass substitution of every ${scope.key} token
// in input. $$ is not special. Substituted text is never re-scanned.
func (r *Resolver) Expand(input string) (string, error) {
	var firstErr error
	result := tokenPattern.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := tokenPattern.FindStringSubmatch(match)
		scopeName, key := groups[1], groups[2]

		scope, ok := r.scopes[scopeName]
		if !ok {
			firstErr = &UnknownScopeError{Scope: scopeName}
			return match
		}

		value, ok := scope.Get(key)
		if !ok {
			r.onUnknownWarn(Warning{Scope: scopeName, Key: key})
			return ""
		}
		if scopeName == "secrets" {
			r.secretsSeen = append(r.secretsSeen, value)
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// SecretsSeen returns every secret value resolved so far across calls to
// Expand, for building a redact.Masker.
func (r *Resolver) SecretsSeen() []string {
	return r.secretsSeen
}
