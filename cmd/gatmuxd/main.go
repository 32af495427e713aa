// Command gatmuxd is an example daemon that opens one serial device and
// layers either a DUN/HFP telephony emulator or a raw-IP bridge on top of
// it, exercising the library the way a real modem-management daemon
// would. It mirrors DMRHub's cmd+main split: main.go only builds and runs
// the cobra command; the actual wiring lives in root.go.
package main

import "os"

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := NewCommand(version, commit).Execute(); err != nil {
		os.Exit(1)
	}
}
