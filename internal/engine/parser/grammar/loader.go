package grammar

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Artifact is a compiled grammar as produced by the grammar toolchain. The
// loader never modifies Data and handles keep referencing it.
type Artifact struct {
	Data   []byte
	Origin string
}

// Check is an additional validation step that runs after the built-in
// version and structure checks. Returning a *LoadError keeps its kind; any
// other error is reported as a corrupt artifact.
type Check struct {
	Name string
	Run  func(h *Handle) error
}

// Loader validates artifacts and issues handles. A Loader is immutable after
// construction and safe for concurrent use.
type Loader struct {
	minVersion     uint16
	maxVersion     uint16
	verifyChecksum bool
	checks         []Check
}

// Option configures a Loader.
type Option func(*Loader)

// WithVersionRange overrides the accepted ABI versions (inclusive).
func WithVersionRange(min, max uint16) Option {
	return func(l *Loader) {
		l.minVersion = min
		l.maxVersion = max
	}
}

// WithCheck adds a check run on every artifact that passes the structural
// gate. Checks without a Run func are ignored.
func WithCheck(c Check) Option {
	return func(l *Loader) {
		if c.Run != nil {
			l.checks = append(l.checks, c)
		}
	}
}

// WithoutChecksum skips trailer verification. Only the trailer's presence is
// still required.
func WithoutChecksum() Option {
	return func(l *Loader) { l.verifyChecksum = false }
}

// NewLoader returns a loader accepting the linked runtime's ABI range with
// checksum verification on.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		minVersion:     MinCompatibleVersion,
		maxVersion:     CurrentVersion,
		verifyChecksum: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// VersionRange returns the accepted ABI versions, inclusive.
func (l *Loader) VersionRange() (uint16, uint16) { return l.minVersion, l.maxVersion }

// Load validates a and returns a handle over its bytes. Checks run in order
// and stop at the first failure: emptiness, format marker and version,
// structure and checksum, then any registered checks.
func (l *Loader) Load(a Artifact) (*Handle, error) {
	data := a.Data
	if len(data) == 0 {
		return nil, emptyf("artifact %s has no payload", originOf(a))
	}
	if err := l.checkMarker(data); err != nil {
		return nil, err
	}
	lay, err := scan(data)
	if err != nil {
		return nil, err
	}
	if err := l.checkTrailer(data); err != nil {
		return nil, err
	}

	h := &Handle{data: data, origin: a.Origin, layout: lay}
	for _, c := range l.checks {
		if err := c.Run(h); err != nil {
			if KindOf(err) != 0 {
				return nil, err
			}
			return nil, &LoadError{Kind: KindCorruptArtifact, Message: "check " + c.Name + " failed", Err: err}
		}
	}
	return h, nil
}

func (l *Loader) checkMarker(data []byte) error {
	if len(data) < markerSize {
		return corruptf("truncated header: %d bytes", len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return incompatiblef("format marker %q, want %q", data[:len(Magic)], Magic)
	}
	version := binary.LittleEndian.Uint16(data[versionOffset:])
	if version < l.minVersion || version > l.maxVersion {
		return incompatiblef("ABI version %d outside supported range %d..%d", version, l.minVersion, l.maxVersion)
	}
	return nil
}

func (l *Loader) checkTrailer(data []byte) error {
	if !l.verifyChecksum {
		return nil
	}
	bodyLen := len(data) - ChecksumSize
	want := binary.LittleEndian.Uint64(data[bodyLen:])
	if got := xxhash.Sum64(data[:bodyLen]); got != want {
		return corruptf("checksum %016x, trailer says %016x", got, want)
	}
	return nil
}

func originOf(a Artifact) string {
	if a.Origin == "" {
		return "<memory>"
	}
	return a.Origin
}

type span struct {
	off, end uint32
}

type symbolRef struct {
	name span
	meta uint8
}

type layout struct {
	version       uint16
	flags         uint16
	symbolCount   uint32
	tokenCount    uint32
	externalCount uint32
	fieldCount    uint32
	stateCount    uint32
	name          span
	symbols       []symbolRef
	fields        []span
	table         uint32
}

// scan walks the artifact and records where each section lives. It assumes
// checkMarker already passed.
func scan(data []byte) (layout, error) {
	var lay layout
	if len(data) < HeaderSize+ChecksumSize {
		return lay, corruptf("artifact is %d bytes, header and trailer need %d", len(data), HeaderSize+ChecksumSize)
	}
	le := binary.LittleEndian
	lay.version = le.Uint16(data[versionOffset:])
	lay.flags = le.Uint16(data[flagsOffset:])
	lay.symbolCount = le.Uint32(data[symbolsOffset:])
	lay.tokenCount = le.Uint32(data[tokensOffset:])
	lay.externalCount = le.Uint32(data[externalOffset:])
	lay.fieldCount = le.Uint32(data[fieldsOffset:])
	lay.stateCount = le.Uint32(data[statesOffset:])
	nameLen := uint32(le.Uint16(data[nameLenOffset:]))

	if reserved := le.Uint16(data[reservedOffset:]); reserved != 0 {
		return lay, corruptf("reserved header field is %#04x", reserved)
	}
	if lay.flags&^knownFlags != 0 {
		return lay, corruptf("unknown flags %#04x", lay.flags&^knownFlags)
	}
	if lay.tokenCount > lay.symbolCount {
		return lay, corruptf("token count %d exceeds symbol count %d", lay.tokenCount, lay.symbolCount)
	}
	if lay.externalCount > lay.tokenCount {
		return lay, corruptf("external token count %d exceeds token count %d", lay.externalCount, lay.tokenCount)
	}
	hasScanner := lay.flags&FlagExternalScanner != 0
	if hasScanner != (lay.externalCount > 0) {
		return lay, corruptf("external scanner flag %t disagrees with %d external tokens", hasScanner, lay.externalCount)
	}

	end := uint64(len(data) - ChecksumSize)
	pos := uint64(HeaderSize)

	if pos+uint64(nameLen) > end {
		return lay, corruptf("name of %d bytes runs past the end", nameLen)
	}
	lay.name = span{uint32(pos), uint32(pos + uint64(nameLen))}
	pos += uint64(nameLen)

	// Every symbol needs at least a length prefix and a metadata byte.
	if uint64(lay.symbolCount)*3 > end-pos {
		return lay, corruptf("symbol table truncated: %d symbols declared, %d bytes left", lay.symbolCount, end-pos)
	}
	lay.symbols = make([]symbolRef, lay.symbolCount)
	for i := range lay.symbols {
		if pos+2 > end {
			return lay, corruptf("symbol %d truncated", i)
		}
		n := uint64(le.Uint16(data[pos:]))
		pos += 2
		if pos+n+1 > end {
			return lay, corruptf("symbol %d truncated", i)
		}
		meta := data[pos+n]
		if meta&^knownMeta != 0 {
			return lay, corruptf("symbol %d has unknown metadata bits %#02x", i, meta&^knownMeta)
		}
		lay.symbols[i] = symbolRef{name: span{uint32(pos), uint32(pos + n)}, meta: meta}
		pos += n + 1
	}

	if uint64(lay.fieldCount)*2 > end-pos {
		return lay, corruptf("field table truncated: %d fields declared, %d bytes left", lay.fieldCount, end-pos)
	}
	lay.fields = make([]span, lay.fieldCount)
	for i := range lay.fields {
		if pos+2 > end {
			return lay, corruptf("field %d truncated", i)
		}
		n := uint64(le.Uint16(data[pos:]))
		pos += 2
		if pos+n > end {
			return lay, corruptf("field %d truncated", i)
		}
		lay.fields[i] = span{uint32(pos), uint32(pos + n)}
		pos += n
	}

	tableBytes := uint64(lay.stateCount) * uint64(lay.symbolCount) * 2
	if tableBytes != end-pos {
		return lay, corruptf("parse table is %d bytes, %d states x %d symbols need %d", end-pos, lay.stateCount, lay.symbolCount, tableBytes)
	}
	lay.table = uint32(pos)
	for off := pos; off < end; off += 2 {
		if next := le.Uint16(data[off:]); uint32(next) >= lay.stateCount {
			entry := (off - pos) / 2
			return lay, corruptf("parse table entry %d targets state %d of %d", entry, next, lay.stateCount)
		}
	}
	return lay, nil
}
