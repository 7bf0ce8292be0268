//go:build !whisper_cpp

package whisper

import "fmt"

// NewNativeEngine is a stub so the daemon builds without cgo; selecting
// engine mode native then fails at startup with a clear message.
func NewNativeEngine(language string) (Engine, error) {
	return nil, fmt.Errorf("native engine not compiled in (build with -tags whisper_cpp)")
}
