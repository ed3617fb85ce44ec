package grammar

import "fmt"

// RequireName rejects artifacts whose embedded language name differs from name.
func RequireName(name string) Check {
	return Check{
		Name: "require-name",
		Run: func(h *Handle) error {
			if got := h.Name(); got != name {
				return corruptf("artifact declares language %q, expected %q", got, name)
			}
			return nil
		},
	}
}

// MaxSymbols bounds the symbol table size.
func MaxSymbols(n int) Check {
	return Check{
		Name: "max-symbols",
		Run: func(h *Handle) error {
			if h.SymbolCount() > n {
				return fmt.Errorf("%d symbols exceeds limit %d", h.SymbolCount(), n)
			}
			return nil
		},
	}
}

// RequireExternalTokens checks that each named token exists and is produced by
// the external scanner.
func RequireExternalTokens(names ...string) Check {
	return Check{
		Name: "require-external-tokens",
		Run: func(h *Handle) error {
			for _, name := range names {
				id, ok := h.SymbolID(name)
				if !ok {
					return corruptf("external token %q missing", name)
				}
				if !h.IsExternal(id) {
					return corruptf("token %q is not external", name)
				}
			}
			return nil
		},
	}
}

// UniqueFieldNames rejects duplicate field names.
func UniqueFieldNames() Check {
	return Check{
		Name: "unique-field-names",
		Run: func(h *Handle) error {
			seen := make(map[string]bool, h.FieldCount())
			for id := 0; id < h.FieldCount(); id++ {
				name, _ := h.FieldName(uint32(id))
				if seen[name] {
					return corruptf("duplicate field %q", name)
				}
				seen[name] = true
			}
			return nil
		},
	}
}
