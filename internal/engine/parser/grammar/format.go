package grammar

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	sitter "github.com/tree-sitter/go-tree-sitter"

	domainerrors "grammargate/internal/core/errors"
)

// Compiled artifact layout. All integers are little-endian.
//
//	0  magic "TSGA"
//	4  uint16 ABI version
//	6  uint16 flags
//	8  uint32 symbol count
//	12 uint32 token count
//	16 uint32 external token count
//	20 uint32 field count
//	24 uint32 state count
//	28 uint16 name length
//	30 uint16 reserved
//	32 name, symbol table, field table, parse table
//	-8 uint64 xxhash of everything before it
const (
	Magic        = "TSGA"
	HeaderSize   = 32
	ChecksumSize = 8

	versionOffset  = 4
	markerSize     = 6
	flagsOffset    = 6
	symbolsOffset  = 8
	tokensOffset   = 12
	externalOffset = 16
	fieldsOffset   = 20
	statesOffset   = 24
	nameLenOffset  = 28
	reservedOffset = 30
)

const (
	FlagExternalScanner uint16 = 1 << 0

	knownFlags = FlagExternalScanner
)

const (
	metaVisible uint8 = 1 << iota
	metaNamed
	metaSupertype

	knownMeta = metaVisible | metaNamed | metaSupertype
)

// Versions accepted by a Loader unless overridden with WithVersionRange. They
// track the ABI range of the linked tree-sitter runtime.
const (
	CurrentVersion       uint16 = uint16(sitter.LANGUAGE_VERSION)
	MinCompatibleVersion uint16 = uint16(sitter.MIN_COMPATIBLE_LANGUAGE_VERSION)
)

type Symbol struct {
	Name      string
	Visible   bool
	Named     bool
	Supertype bool
}

func (s Symbol) meta() uint8 {
	var m uint8
	if s.Visible {
		m |= metaVisible
	}
	if s.Named {
		m |= metaNamed
	}
	if s.Supertype {
		m |= metaSupertype
	}
	return m
}

func symbolFromMeta(name string, m uint8) Symbol {
	return Symbol{
		Name:      name,
		Visible:   m&metaVisible != 0,
		Named:     m&metaNamed != 0,
		Supertype: m&metaSupertype != 0,
	}
}

// Definition is the mutable description of a grammar that Encode turns into an
// artifact. Symbols[:TokenCount] are terminals and the last ExternalTokenCount
// of those are produced by the external scanner. ParseTable is row-major by
// state with one entry per symbol.
type Definition struct {
	Name               string
	Version            uint16
	ExternalScanner    bool
	Symbols            []Symbol
	TokenCount         int
	ExternalTokenCount int
	Fields             []string
	StateCount         int
	ParseTable         []uint16
}

// Encode serializes def. It only rejects values that cannot be represented in
// the layout; grammar-level consistency is the loader's job.
func Encode(def Definition) ([]byte, error) {
	if len(def.Name) > math.MaxUint16 {
		return nil, domainerrors.New(domainerrors.CodeValidationError, "grammar name longer than 65535 bytes")
	}
	if def.TokenCount < 0 || def.ExternalTokenCount < 0 || def.StateCount < 0 {
		return nil, domainerrors.New(domainerrors.CodeValidationError, "counts must not be negative")
	}
	if want := def.StateCount * len(def.Symbols); len(def.ParseTable) != want {
		return nil, domainerrors.New(domainerrors.CodeValidationError,
			fmt.Sprintf("parse table has %d entries, want %d (states*symbols)", len(def.ParseTable), want))
	}

	size := HeaderSize + len(def.Name) + 2*len(def.ParseTable) + ChecksumSize
	for _, sym := range def.Symbols {
		if len(sym.Name) > math.MaxUint16 {
			return nil, domainerrors.New(domainerrors.CodeValidationError, "symbol name longer than 65535 bytes")
		}
		size += 3 + len(sym.Name)
	}
	for _, field := range def.Fields {
		if len(field) > math.MaxUint16 {
			return nil, domainerrors.New(domainerrors.CodeValidationError, "field name longer than 65535 bytes")
		}
		size += 2 + len(field)
	}

	var flags uint16
	if def.ExternalScanner {
		flags |= FlagExternalScanner
	}

	buf := make([]byte, HeaderSize, size)
	copy(buf, Magic)
	binary.LittleEndian.PutUint16(buf[versionOffset:], def.Version)
	binary.LittleEndian.PutUint16(buf[flagsOffset:], flags)
	binary.LittleEndian.PutUint32(buf[symbolsOffset:], uint32(len(def.Symbols)))
	binary.LittleEndian.PutUint32(buf[tokensOffset:], uint32(def.TokenCount))
	binary.LittleEndian.PutUint32(buf[externalOffset:], uint32(def.ExternalTokenCount))
	binary.LittleEndian.PutUint32(buf[fieldsOffset:], uint32(len(def.Fields)))
	binary.LittleEndian.PutUint32(buf[statesOffset:], uint32(def.StateCount))
	binary.LittleEndian.PutUint16(buf[nameLenOffset:], uint16(len(def.Name)))

	buf = append(buf, def.Name...)
	for _, sym := range def.Symbols {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(sym.Name)))
		buf = append(buf, sym.Name...)
		buf = append(buf, sym.meta())
	}
	for _, field := range def.Fields {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(field)))
		buf = append(buf, field...)
	}
	for _, entry := range def.ParseTable {
		buf = binary.LittleEndian.AppendUint16(buf, entry)
	}
	return seal(buf), nil
}

// seal appends the checksum trailer.
func seal(body []byte) []byte {
	return binary.LittleEndian.AppendUint64(body, xxhash.Sum64(body))
}

// Decode reconstructs a Definition from a loaded handle.
func Decode(h *Handle) Definition {
	def := Definition{
		Name:               h.Name(),
		Version:            h.Version(),
		ExternalScanner:    h.HasExternalScanner(),
		TokenCount:         h.TokenCount(),
		ExternalTokenCount: h.ExternalTokenCount(),
		StateCount:         h.StateCount(),
		Symbols:            make([]Symbol, 0, h.SymbolCount()),
		Fields:             make([]string, 0, h.FieldCount()),
		ParseTable:         make([]uint16, 0, h.StateCount()*h.SymbolCount()),
	}
	for id := 0; id < h.SymbolCount(); id++ {
		sym, _ := h.Symbol(uint32(id))
		def.Symbols = append(def.Symbols, sym)
	}
	for id := 0; id < h.FieldCount(); id++ {
		name, _ := h.FieldName(uint32(id))
		def.Fields = append(def.Fields, name)
	}
	for state := 0; state < h.StateCount(); state++ {
		for sym := 0; sym < h.SymbolCount(); sym++ {
			next, _ := h.Action(uint32(state), uint32(sym))
			def.ParseTable = append(def.ParseTable, next)
		}
	}
	return def
}
