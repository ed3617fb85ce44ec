package parser

import (
	"context"
	"sync"
	"testing"

	"grammargate/internal/engine/parser/grammar"
)

// goHandle returns the validated builtin Go grammar for test use.
func goHandle(t *testing.T) *grammar.NativeHandle {
	t.Helper()
	lang, ok := Builtin("go")
	if !ok {
		t.Fatal("go grammar is not builtin")
	}
	h, err := grammar.NewLoader().LoadLanguage("go", "builtin", lang)
	if err != nil {
		t.Fatalf("load go grammar: %v", err)
	}
	return h
}

func TestParserPool_GetPut(t *testing.T) {
	pool := NewParserPool(goHandle(t))

	sp := pool.Get()
	if sp == nil {
		t.Fatal("expected non-nil parser from pool")
	}
	if pool.Stats() != 1 {
		t.Fatalf("expected 1 lease, got %d", pool.Stats())
	}

	pool.Put(sp)
	if pool.Stats() != 0 {
		t.Fatalf("expected no leases after Put, got %d", pool.Stats())
	}
}

func TestParserPool_PutNil(t *testing.T) {
	pool := NewParserPool(goHandle(t))

	// Put(nil) must be a no-op.
	pool.Put(nil)
}

func TestParserPool_ParsesValidGo(t *testing.T) {
	pool := NewParserPool(goHandle(t))

	sp := pool.Get()
	defer pool.Put(sp)

	src := []byte("package main\nfunc main() {}\n")
	tree := sp.Parse(src, nil)
	if tree == nil {
		t.Fatal("expected non-nil parse tree for valid Go source")
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		t.Fatalf("expected error-free root node, got hasError=%v", root.HasError())
	}
}

func TestParserPool_ConcurrentAccess(t *testing.T) {
	pool := NewParserPool(goHandle(t))

	const goroutines = 20
	const iters = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)

	src := []byte("package main\nfunc run() {}\n")

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				sp := pool.Get()
				tree := sp.Parse(src, nil)
				if tree == nil {
					t.Errorf("expected non-nil parse tree")
				} else {
					tree.Close()
				}
				pool.Put(sp)
			}
		}()
	}

	wg.Wait()
	if pool.Stats() != 0 {
		t.Fatalf("expected all parsers returned, got %d leases", pool.Stats())
	}
}

func TestParserPool_LanguageSetAfterReset(t *testing.T) {
	pool := NewParserPool(goHandle(t))

	sp := pool.Get()
	sp.Reset()
	pool.Put(sp)

	sp2 := pool.Get()
	defer pool.Put(sp2)

	tree := sp2.Parse([]byte("package main\nfunc ok() {}\n"), nil)
	if tree == nil {
		t.Fatal("parser with reset language should still parse correctly after Get")
	}
	defer tree.Close()
}

func TestProbe(t *testing.T) {
	pool := NewParserPool(goHandle(t))

	res, err := Probe(context.Background(), pool, []byte("package main\n\nfunc main() {}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if res.RootKind != "source_file" || res.HasError || res.Language != "go" {
		t.Fatalf("unexpected probe result %+v", res)
	}
	if res.NodeCount < 4 {
		t.Fatalf("expected a non-trivial tree, got %d nodes", res.NodeCount)
	}

	res, err = Probe(context.Background(), pool, []byte("package main\nfunc {\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasError {
		t.Fatal("expected syntax error to be reported")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Probe(ctx, pool, []byte("package main\n")); err == nil {
		t.Fatal("expected cancelled context to stop the probe")
	}
}

func TestBuiltinLanguagesPassTheGate(t *testing.T) {
	loader := grammar.NewLoader()
	for _, id := range BuiltinIDs() {
		lang, ok := Builtin(id)
		if !ok {
			t.Fatalf("%s listed but not builtin", id)
		}
		if _, err := loader.LoadLanguage(id, "builtin", lang); err != nil {
			t.Errorf("%s: %v", id, err)
		}
	}
	if _, ok := Builtin("pyret"); ok {
		t.Fatal("pyret must be loaded dynamically")
	}
}
