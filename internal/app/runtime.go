package app

import "os"

// testModeEnv makes the binaries return before touching any backend. Test
// packages set it by importing internal/testing/guard.
const testModeEnv = "LOOM_TEST_MODE"

// InTestMode reports whether the process runs under go test.
func InTestMode() bool {
	return os.Getenv(testModeEnv) == "1"
}
