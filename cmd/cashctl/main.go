// Command cashctl is a maintenance tool that talks straight to the
// hardware-control service, bypassing the session engine.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
