package grammar

import (
	"encoding/binary"
	"fmt"
)

// Handle is a validated, read-only view over an artifact's bytes. Handles are
// only created by Loader.Load; the zero value is not usable.
type Handle struct {
	data   []byte
	origin string
	layout layout
}

// Name is the language name embedded in the artifact.
func (h *Handle) Name() string {
	return string(h.data[h.layout.name.off:h.layout.name.end])
}

// Origin is where the artifact was read from, for messages.
func (h *Handle) Origin() string { return h.origin }

// Version is the artifact's ABI version.
func (h *Handle) Version() uint16 { return h.layout.version }

// SymbolCount includes the end symbol at id 0.
func (h *Handle) SymbolCount() int { return int(h.layout.symbolCount) }

// TokenCount is the number of terminal symbols, external tokens included.
func (h *Handle) TokenCount() int { return int(h.layout.tokenCount) }

func (h *Handle) ExternalTokenCount() int { return int(h.layout.externalCount) }

func (h *Handle) FieldCount() int { return int(h.layout.fieldCount) }

func (h *Handle) StateCount() int { return int(h.layout.stateCount) }

// HasExternalScanner reports whether the grammar needs an external scanner.
func (h *Handle) HasExternalScanner() bool {
	return h.layout.flags&FlagExternalScanner != 0
}

// Bytes returns the artifact's bytes. The slice is shared with the artifact
// and must not be modified.
func (h *Handle) Bytes() []byte { return h.data }

// Digest is the artifact's checksum trailer, used as a stable identity.
func (h *Handle) Digest() string {
	return fmt.Sprintf("%016x", binary.LittleEndian.Uint64(h.data[len(h.data)-ChecksumSize:]))
}

// Symbol returns the symbol with the given id.
func (h *Handle) Symbol(id uint32) (Symbol, bool) {
	if id >= h.layout.symbolCount {
		return Symbol{}, false
	}
	ref := h.layout.symbols[id]
	return symbolFromMeta(string(h.data[ref.name.off:ref.name.end]), ref.meta), true
}

// SymbolID returns the first symbol with the given name.
func (h *Handle) SymbolID(name string) (uint32, bool) {
	for id, ref := range h.layout.symbols {
		if string(h.data[ref.name.off:ref.name.end]) == name {
			return uint32(id), true
		}
	}
	return 0, false
}

// IsExternal reports whether id is one of the trailing external tokens.
func (h *Handle) IsExternal(id uint32) bool {
	return id < h.layout.tokenCount && id >= h.layout.tokenCount-h.layout.externalCount
}

// FieldName returns the field name with the given id.
func (h *Handle) FieldName(id uint32) (string, bool) {
	if id >= h.layout.fieldCount {
		return "", false
	}
	f := h.layout.fields[id]
	return string(h.data[f.off:f.end]), true
}

// Action returns the parse table entry for (state, symbol). Zero means error.
func (h *Handle) Action(state, symbol uint32) (uint16, bool) {
	if state >= h.layout.stateCount || symbol >= h.layout.symbolCount {
		return 0, false
	}
	off := uint64(h.layout.table) + (uint64(state)*uint64(h.layout.symbolCount)+uint64(symbol))*2
	return binary.LittleEndian.Uint16(h.data[off:]), true
}

func (h *Handle) String() string {
	return fmt.Sprintf("grammar %s (abi %d, %d symbols, %d fields, %d states)",
		h.Name(), h.Version(), h.SymbolCount(), h.FieldCount(), h.StateCount())
}
