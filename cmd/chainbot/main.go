// Command chainbot is the entry point of the rule-driven automation bot.
package main

import (
	"os"

	"github.com/alanyoungcy/chainbot/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
