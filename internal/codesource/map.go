package codesource

import (
	"context"
	"fmt"
	"sync"
)

// Map serves code from memory. It backs tests and embedded task sets.
type Map struct {
	mu      sync.RWMutex
	entries map[string]Code
	// fetches counts Fetch calls per reference.
	fetches map[string]int
}

func NewMap() *Map {
	return &Map{entries: make(map[string]Code), fetches: make(map[string]int)}
}

// Put registers source under ref; the language comes from ref's extension
// unless lang is given.
func (m *Map) Put(ref, lang string, source []byte) {
	if lang == "" {
		lang, _ = LanguageFor(ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ref] = Code{Reference: ref, Language: lang, Source: source, Origin: "memory"}
}

func (m *Map) Fetch(ctx context.Context, ref string, _ FetchContext) (Code, error) {
	if err := ctx.Err(); err != nil {
		return Code{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[ref]++
	c, ok := m.entries[ref]
	if !ok {
		return Code{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return c, nil
}

func (m *Map) Validate(_ context.Context, code Code) ([]Diagnostic, error) {
	return basicDiagnostics(code), nil
}

// Fetches returns how often ref was fetched.
func (m *Map) Fetches(ref string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetches[ref]
}
