// idlecode serves shared interactive interpreter sessions.
package main

import (
	"os"

	"idlecode/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
