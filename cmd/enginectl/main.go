// enginectl builds the fixed matrix of inference-engine variants for a
// source model: fetch once, convert per precision, build per variant.
package main

import (
	"os"

	"github.com/modelforge/enginectl/cmd/enginectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
