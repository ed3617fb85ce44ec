//go:build windows

package grammar

import (
	domainerrors "grammargate/internal/core/errors"
)

// LoadDynamic is not supported on Windows.
func (l *Loader) LoadDynamic(path, name string) (*NativeHandle, error) {
	return nil, domainerrors.AddContext(
		domainerrors.New(domainerrors.CodeNotSupported, "dynamic grammar loading is not supported on Windows"),
		domainerrors.CtxPath, path,
	)
}
