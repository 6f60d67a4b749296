// Package guard flips the process into test mode when imported, so that
// wiring code skips network side effects.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("SPICEMILL_TEST_MODE") == "" {
			_ = os.Setenv("SPICEMILL_TEST_MODE", "1")
		}
	})
}
