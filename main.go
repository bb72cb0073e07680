// The main package for the portfolio-monitor executable.
package main

import (
	"github.com/JakeFAU/portfolio-monitor/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
