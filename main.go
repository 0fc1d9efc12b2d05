// Command workhub runs a WorkHub coordination node.
package main

import (
	"os"

	"github.com/workhubhq/workhub/cli"
	"github.com/workhubhq/workhub/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
