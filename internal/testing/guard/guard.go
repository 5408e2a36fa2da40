// Package guard is imported for its side effect: it marks the process as a
// test run and defaults storage to memory so no database is needed.
package guard

import "os"

func init() {
	setDefault("LOOM_TEST_MODE", "1")
	setDefault("STORAGE_BACKEND", "memory")
}

func setDefault(key, value string) {
	if _, ok := os.LookupEnv(key); !ok {
		_ = os.Setenv(key, value)
	}
}
