package mq

import (
	"log/slog"
	"sync"
	"time"
)

// KeepInProgress periodically extends the in-flight deadline of msg while a
// long-running handler works on it. The returned stop function must be
// called before acking or naking; calling it more than once is safe.
func KeepInProgress(msg *RawMessage, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					slog.Warn("Failed to extend in-flight deadline", "stream", msg.Stream, "seq", msg.Seq, "err", err)
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
