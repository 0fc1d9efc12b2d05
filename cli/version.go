package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workhubhq/workhub/version"
)

func init() {
	RootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("deps", false, "include the full dependency list")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if withDeps, _ := cmd.Flags().GetBool("deps"); withDeps {
			encoded, err := json.MarshalIndent(version.GetBuildInfo(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		}

		info := version.GetBuildInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "workhub %s (%s)\n", version.GetEngineVersion(), info.GoVersion)
		return nil
	},
}
