// ./main.go
package main

import (
	"github.com/fitbridge/fitbridge/cmd"
)

// main is the entry point for the fitbridge CLI.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
