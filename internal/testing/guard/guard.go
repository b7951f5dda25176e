// Package guard switches binaries into test mode when imported by a test.
package guard

import "os"

var testDefaults = map[string]string{
	"ODYSSEY_TEST_MODE": "1",
	"SESSION_SECRET":    "test-session-secret",
	"CSRF_SECRET":       "test-csrf-secret",
}

func init() {
	for key, value := range testDefaults {
		if _, ok := os.LookupEnv(key); !ok {
			_ = os.Setenv(key, value)
		}
	}
}
