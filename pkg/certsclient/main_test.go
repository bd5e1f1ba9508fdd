package certsclient_test

import (
	"os"
	"testing"

	"github.com/wostzone/servient-go/pkg/logging"
)

var testCertFolder string

// TestMain creates a test folder for certificate files
func TestMain(m *testing.M) {
	testCertFolder, _ = os.MkdirTemp("", "servient-go-")
	logging.SetLogging("info", "")

	result := m.Run()
	if result != 0 {
		println("Test failed with code:", result)
		println("Find test files in:", testCertFolder)
	} else {
		// comment out the next line to be able to inspect results
		os.RemoveAll(testCertFolder)
	}

	os.Exit(result)
}
