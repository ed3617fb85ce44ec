package parser

import (
	"context"
	"time"

	domainerrors "grammargate/internal/core/errors"
)

type ProbeResult struct {
	Language  string
	RootKind  string
	NodeCount int
	HasError  bool
	Duration  time.Duration
}

// Probe parses source with a pooled parser to confirm the grammar is usable
// by the runtime.
func Probe(ctx context.Context, pool *ParserPool, source []byte) (ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return ProbeResult{}, err
	}
	start := time.Now()

	sp := pool.Get()
	defer pool.Put(sp)

	tree := sp.Parse(source, nil)
	if tree == nil {
		return ProbeResult{}, domainerrors.AddContext(
			domainerrors.New(domainerrors.CodeInternal, "parser returned no tree"),
			domainerrors.CtxLanguage, pool.Handle().Name(),
		)
	}
	defer tree.Close()

	root := tree.RootNode()
	result := ProbeResult{
		Language: pool.Handle().Name(),
		RootKind: root.Kind(),
		HasError: root.HasError(),
	}

	cursor := tree.Walk()
	defer cursor.Close()
	for {
		result.NodeCount++
		if cursor.GotoFirstChild() || cursor.GotoNextSibling() {
			continue
		}
		climbed := false
		for cursor.GotoParent() {
			if cursor.GotoNextSibling() {
				climbed = true
				break
			}
		}
		if !climbed {
			break
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}
