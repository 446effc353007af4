// The main package for the bisharvest executable.
package main

import (
	"github.com/openparcels/bisharvest/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
