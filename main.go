// The main package for the chotatsu-sync executable.
package main

import "github.com/harunari/chotatsu-sync/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
