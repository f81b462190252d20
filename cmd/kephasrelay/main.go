// Command kephasrelay runs the signaling relay and mints development
// credentials for it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kephasrelay:", err)
		os.Exit(1)
	}
}
