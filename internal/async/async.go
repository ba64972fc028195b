// Package async holds goroutine helpers shared across the app.
package async

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// Go runs fn in a new goroutine. A panic is logged with its stack before
// being re-raised: the terminal UI owns stdout, so without this the panic
// output would be swallowed by the screen buffer.
func Go(logger *zap.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				panic(r)
			}
		}()
		fn()
	}()
}
