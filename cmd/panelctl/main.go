// panelctl — операторский CLI панели игровых серверов.
package main

import (
	"os"

	"github.com/bigkaa/gamepanel/internal/cli"
)

func main() {
	if err := cli.NewRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
