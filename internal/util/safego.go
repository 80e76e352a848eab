package util

import (
	"runtime/debug"

	"github.com/moltbunker/walletlink/internal/logging"
)

// SafeGoWithName runs fn in a goroutine that recovers and logs panics
// under the given name instead of crashing the process.
//
//	util.SafeGoWithName("ws-read-loop", func() {
//	    // goroutine code here
//	})
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
