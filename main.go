// The main package for the docsagg executable.
package main

import (
	"github.com/JakeFAU/docs-aggregator/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
