// neonrain is the persona chat agent daemon and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/zggf-zggf/neonrain/cmd/neonrain/commands"
)

var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
