package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var capsCmd = &cobra.Command{
	Use:   "caps [location]",
	Short: "Show what a provider allows at a location",
	Long: `Show the capability descriptor for a location. Without an argument,
list the registered schemes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			fmt.Println(strings.Join(registry.Schemes(), "\n"))
			return nil
		}
		caps, err := registry.Capabilities(args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Provider:\t%s (%s)\n", caps.DisplayName, caps.Scheme)
		for _, c := range []struct {
			name string
			ok   bool
		}{
			{"read", caps.CanRead},
			{"write", caps.CanWrite},
			{"create", caps.CanCreate},
			{"delete", caps.CanDelete},
			{"rename", caps.CanRename},
			{"copy", caps.CanCopy},
			{"move", caps.CanMove},
			{"watch", caps.SupportsWatching},
			{"explicit refresh", caps.RequiresExplicitRefresh},
		} {
			fmt.Fprintf(w, "%s:\t%t\n", c.name, c.ok)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(capsCmd)
}
