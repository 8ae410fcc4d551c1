// Command reflectd boots a host, attaches compute workers to it through a
// reflection channel, and runs a file workload across the boundary.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "reflectd:", err)
		os.Exit(1)
	}
}
