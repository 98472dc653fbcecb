package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"poflow.merchantry.io/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		if versionJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		fmt.Printf("poflow %s (go %s", info.Release, info.GoVersion)
		if info.VCSRevision != "" {
			fmt.Printf(", rev %s", info.VCSRevision)
		}
		fmt.Println(")")
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "emit the full build report as JSON")
	RootCmd.AddCommand(versionCmd)
}
