// Package main is the entry point for the MedCP CLI application.
// It serves the federated medical query tools over the Model Context Protocol.
package main

import (
	"medcp/cli/cmd"
)

// main is the entry point for the MedCP CLI application.
// It initializes and executes the command-line interface.
func main() {
	cmd.Execute()
}
