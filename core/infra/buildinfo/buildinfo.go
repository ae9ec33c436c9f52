// Package buildinfo exposes build metadata stamped in via -ldflags.
package buildinfo

import (
	"fmt"
	"log"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info renders the stamped build metadata as one line.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s built=%s", Version, Commit, Date)
}

// Log prints the build line prefixed with the binary name at startup.
func Log(binary string) {
	log.Printf("%s %s", binary, Info())
}
