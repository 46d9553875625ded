// Command layerctl drives a livelayer coordinator from the command line: it
// renders fragments into a page file, runs form validations and serves the
// WebSocket bridge in front of an HTTP application.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
