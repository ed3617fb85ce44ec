package grammar

import (
	"encoding/json"
	"io"
	"sort"

	domainerrors "grammargate/internal/core/errors"
)

type nodeType struct {
	Type     string                     `json:"type"`
	Named    bool                       `json:"named"`
	Fields   map[string]json.RawMessage `json:"fields,omitempty"`
	Children json.RawMessage            `json:"children,omitempty"`
	Subtypes []nodeType                 `json:"subtypes,omitempty"`
}

func (n nodeType) leaf() bool {
	return len(n.Fields) == 0 && len(n.Children) == 0 && len(n.Subtypes) == 0
}

type symbolKey struct {
	name  string
	named bool
}

// DefinitionFromNodeTypes builds a table-less definition from a tree-sitter
// node-types.json. Leaf entries become tokens, the listed externals are placed
// last among the tokens, and everything else follows as non-terminals. Symbol 0
// is the builtin "end" symbol.
func DefinitionFromNodeTypes(name string, r io.Reader, externals []string) (Definition, error) {
	var entries []nodeType
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return Definition{}, domainerrors.Wrap(err, domainerrors.CodeValidationError, "decode node-types.json")
	}

	external := make(map[string]bool, len(externals))
	for _, ext := range externals {
		external[ext] = true
	}

	seen := make(map[symbolKey]bool)
	var tokens, ext, rules []Symbol
	fields := make(map[string]bool)

	add := func(n nodeType, supertype bool) {
		key := symbolKey{n.Type, n.Named}
		if n.Type == "" || seen[key] {
			return
		}
		seen[key] = true
		sym := Symbol{Name: n.Type, Visible: true, Named: n.Named, Supertype: supertype}
		switch {
		case n.Named && external[n.Type]:
			ext = append(ext, sym)
		case n.leaf() && !supertype:
			tokens = append(tokens, sym)
		default:
			rules = append(rules, sym)
		}
	}

	for _, n := range entries {
		add(n, len(n.Subtypes) > 0)
		for field := range n.Fields {
			fields[field] = true
		}
	}
	for _, n := range entries {
		for _, sub := range n.Subtypes {
			add(sub, false)
		}
	}
	for _, name := range externals {
		if !seen[symbolKey{name, true}] {
			seen[symbolKey{name, true}] = true
			ext = append(ext, Symbol{Name: name, Named: true})
		}
	}

	bySymbol := func(list []Symbol) {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Name != list[j].Name {
				return list[i].Name < list[j].Name
			}
			return !list[i].Named && list[j].Named
		})
	}
	bySymbol(tokens)
	bySymbol(rules)
	sort.SliceStable(ext, func(i, j int) bool { return indexOf(externals, ext[i].Name) < indexOf(externals, ext[j].Name) })

	def := Definition{
		Name:               name,
		Version:            CurrentVersion,
		ExternalScanner:    len(ext) > 0,
		TokenCount:         1 + len(tokens) + len(ext),
		ExternalTokenCount: len(ext),
	}
	def.Symbols = make([]Symbol, 0, def.TokenCount+len(rules))
	def.Symbols = append(def.Symbols, Symbol{Name: "end"})
	def.Symbols = append(def.Symbols, tokens...)
	def.Symbols = append(def.Symbols, ext...)
	def.Symbols = append(def.Symbols, rules...)

	def.Fields = make([]string, 0, len(fields))
	for field := range fields {
		def.Fields = append(def.Fields, field)
	}
	sort.Strings(def.Fields)
	return def, nil
}

func indexOf(list []string, value string) int {
	for i, v := range list {
		if v == value {
			return i
		}
	}
	return len(list)
}
