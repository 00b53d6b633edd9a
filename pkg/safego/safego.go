package safego

import (
	"go.uber.org/zap"
)

// Go runs fn in a goroutine that recovers from panics.
// A panicking goroutine logs the panic value with a stack and exits
// instead of taking the process down. Used for fire-and-forget work
// such as deferred request-log updates.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
