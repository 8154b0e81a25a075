// Command logrepair is the CLI surface (C12) over the core façade: thin
// cobra commands that load a log, run the Manager through its states, and
// map results to the exit codes of spec.md §6.
package main

import (
	"os"

	"github.com/logrepair/core/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:]))
}
