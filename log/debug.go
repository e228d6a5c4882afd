package log

import (
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

func EnableDebug() {
	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
		return
	}

	L.SetLevel(hclog.Debug)
}

// Silence drops everything below Error. Tests that exercise failure paths
// use it to keep output readable.
func Silence() {
	L.SetLevel(hclog.Error)
}
