//go:build !windows

package grammar

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

void* load_ts_lang(const char* path, const char* name) {
    void* handle = dlopen(path, RTLD_LAZY);
    if (!handle) return NULL;
    return dlsym(handle, name);
}
*/
import "C"
import (
	"unsafe"

	sitter "github.com/tree-sitter/go-tree-sitter"

	domainerrors "grammargate/internal/core/errors"
)

// LoadDynamic resolves tree_sitter_<name> from a shared object and validates
// the returned language. The library stays loaded for the life of the process.
func (l *Loader) LoadDynamic(path, name string) (*NativeHandle, error) {
	symbol := "tree_sitter_" + name
	cPath := C.CString(path)
	cSymbol := C.CString(symbol)
	defer C.free(unsafe.Pointer(cPath))
	defer C.free(unsafe.Pointer(cSymbol))

	fn := C.load_ts_lang(cPath, cSymbol)
	if fn == nil {
		return nil, domainerrors.AddContext(
			domainerrors.New(domainerrors.CodeNotFound, "symbol "+symbol+" not found"),
			domainerrors.CtxPath, path,
		)
	}
	ptr := callLanguage(fn)
	if ptr == nil {
		return nil, emptyf("%s in %s returned no language", symbol, path)
	}
	return l.LoadLanguage(name, path, sitter.NewLanguage(ptr))
}
