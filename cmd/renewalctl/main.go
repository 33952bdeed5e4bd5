// Command renewalctl inspects renewal decisions and reminder plans and runs
// maintenance tasks against the database.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
