// The main package for the jobstream executable.
package main

import (
	"github.com/JakeFAU/jobstream/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
