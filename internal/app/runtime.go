package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

const testModeEnv = "FLOURMILL_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	testModeFlag.Store(on)
}

// InTestMode reports whether binaries should skip connecting to postgres and
// redis. It is read from FLOURMILL_TEST_MODE once.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// SetTestMode overrides the cached flag.
func SetTestMode(on bool) {
	testModeOnce.Do(func() {})
	testModeFlag.Store(on)
}
