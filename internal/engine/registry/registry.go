// Package registry holds the grammars that passed the load gate, keyed by
// language id.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"grammargate/internal/engine/parser/grammar"
)

// FormatBuiltin marks grammars compiled into the binary.
const FormatBuiltin = "builtin"

type Entry struct {
	Language    string
	Format      string
	Origin      string
	Digest      string
	Version     uint16
	SymbolCount int
	StateCount  int
	LoadedAt    time.Time

	// Exactly one of Handle and Native is set.
	Handle *grammar.Handle
	Native *grammar.NativeHandle
}

func FromHandle(language string, h *grammar.Handle) Entry {
	return Entry{
		Language:    language,
		Format:      grammar.FormatCompiled,
		Origin:      h.Origin(),
		Digest:      h.Digest(),
		Version:     h.Version(),
		SymbolCount: h.SymbolCount(),
		StateCount:  h.StateCount(),
		LoadedAt:    time.Now().UTC(),
		Handle:      h,
	}
}

func FromNative(format, digest string, h *grammar.NativeHandle) Entry {
	return Entry{
		Language:    h.Name(),
		Format:      format,
		Origin:      h.Origin(),
		Digest:      digest,
		Version:     h.Version(),
		SymbolCount: h.SymbolCount(),
		StateCount:  h.StateCount(),
		LoadedAt:    time.Now().UTC(),
		Native:      h,
	}
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Normalize returns the key a language is stored under.
func Normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

// Put stores e, replacing any entry for the same language. It returns the
// replaced entry, if any.
func (r *Registry) Put(e Entry) (Entry, bool) {
	e.Language = Normalize(e.Language)
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[e.Language]
	r.entries[e.Language] = e
	return prev, ok
}

func (r *Registry) Get(language string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[Normalize(language)]
	return e, ok
}

func (r *Registry) Remove(language string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	language = Normalize(language)
	if _, ok := r.entries[language]; !ok {
		return false
	}
	delete(r.entries, language)
	return true
}

// RemoveOrigin drops every entry loaded from origin and returns their languages.
func (r *Registry) RemoveOrigin(origin string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for language, e := range r.entries {
		if e.Origin == origin {
			delete(r.entries, language)
			removed = append(removed, language)
		}
	}
	sort.Strings(removed)
	return removed
}

// List returns all entries sorted by language.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
