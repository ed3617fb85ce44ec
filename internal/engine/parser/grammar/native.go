package grammar

import (
	sitter "github.com/tree-sitter/go-tree-sitter"
)

// NativeHandle is a validated tree-sitter language, ready to hand to a parser.
type NativeHandle struct {
	lang   *sitter.Language
	name   string
	origin string
}

// LoadLanguage puts a native language through the same gate as compiled
// artifacts: it must exist, carry a supported ABI version, and declare a
// non-empty symbol and state table.
func (l *Loader) LoadLanguage(name, origin string, lang *sitter.Language) (*NativeHandle, error) {
	if lang == nil || lang.Inner == nil {
		return nil, emptyf("native language %s is nil", name)
	}
	version := lang.AbiVersion()
	if version < uint32(l.minVersion) || version > uint32(l.maxVersion) {
		return nil, incompatiblef("native language %s has ABI version %d outside supported range %d..%d",
			name, version, l.minVersion, l.maxVersion)
	}
	if lang.NodeKindCount() == 0 {
		return nil, corruptf("native language %s declares no node kinds", name)
	}
	if lang.ParseStateCount() == 0 {
		return nil, corruptf("native language %s declares no parse states", name)
	}
	return &NativeHandle{lang: lang, name: name, origin: origin}, nil
}

func (n *NativeHandle) Language() *sitter.Language { return n.lang }

func (n *NativeHandle) Name() string { return n.name }

func (n *NativeHandle) Origin() string { return n.origin }

func (n *NativeHandle) Version() uint16 { return uint16(n.lang.AbiVersion()) }

func (n *NativeHandle) SymbolCount() int { return int(n.lang.NodeKindCount()) }

func (n *NativeHandle) FieldCount() int { return int(n.lang.FieldCount()) }

func (n *NativeHandle) StateCount() int { return int(n.lang.ParseStateCount()) }

func (n *NativeHandle) SymbolName(id uint16) string { return n.lang.NodeKindForId(id) }
