// Package main is the entry point of the standalone rivetkit server. All
// behavior lives in the cli package; embedding programs register their actor
// definitions there before executing the root command.
package main

import (
	"log"

	"github.com/rivet-dev/rivetkit-go/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
