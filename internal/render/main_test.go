// SPDX-License-Identifier: MIT

package render

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql pool maintenance, stopped lazily after Close.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}
