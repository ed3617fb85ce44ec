//go:build !windows

package grammar

/*
typedef const void* (*ts_language_fn)(void);

static const void* call_ts_language(void* fn) {
    return ((ts_language_fn)fn)();
}
*/
import "C"
import "unsafe"

// callLanguage invokes a resolved tree_sitter_<name> function pointer.
func callLanguage(fn unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(C.call_ts_language(fn))
}
