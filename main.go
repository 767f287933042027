// The main package for the vm-relay executable.
package main

import (
	"github.com/JakeFAU/gce-vm-relay/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
