// Package guard switches binaries into test mode when imported by a test.
package guard

import (
	"os"

	"github.com/shipdesk/backoffice/internal/app"
)

func init() {
	if os.Getenv(app.TestModeEnv) == "" {
		_ = os.Setenv(app.TestModeEnv, "1")
	}
}
