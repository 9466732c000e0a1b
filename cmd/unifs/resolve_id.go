package main

import (
	"fmt"

	"github.com/gobeaver/unifs"
	"github.com/gobeaver/unifs/driver/gdrive"
	"github.com/spf13/cobra"
)

var resolveIDCmd = &cobra.Command{
	Use:   "resolve-id <drive-object-id>",
	Short: "Find the location of a Google Drive object by ID",
	Long: `Search the connected Google accounts for a Drive object and print its
location. Objects inside My Drive get a path location; anything else is
addressed by ID.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := registry.Lookup(gdrive.Scheme)
		if err != nil {
			return err
		}
		gp, ok := p.(*gdrive.Provider)
		if !ok {
			return fmt.Errorf("%w: %s provider is %T", unifs.ErrNotSupported, gdrive.Scheme, p)
		}
		loc, err := gp.ResolveID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(loc)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveIDCmd)
}
