package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
)

// MongoURLEnv names the environment variable holding the connection
// string integration tests run against.
const MongoURLEnv = "QUINCE_MONGODB_URL"

// GetDirectoryOfFile returns the path to of the file that calling
// this function. Use this to ensure that references to testdata and
// other file system locations in tests are not dependent on the working
// directory of the "go test" invocation.
func GetDirectoryOfFile() string {
	_, file, _, _ := runtime.Caller(1)

	return filepath.Dir(file)
}

// IntegrationURL returns the connection string of a live server, or
// skips the test when none is configured.
func IntegrationURL(t *testing.T) string {
	if skip, _ := strconv.ParseBool(os.Getenv("SKIP_INTEGRATION_TESTS")); skip {
		t.Skip("SKIP_INTEGRATION_TESTS is set, skipping integration test")
	}

	url := os.Getenv(MongoURLEnv)
	if url == "" {
		t.Skipf("%s is not set, skipping integration test", MongoURLEnv)
	}

	return url
}
