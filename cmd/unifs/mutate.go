package main

import (
	"fmt"

	"github.com/gobeaver/unifs"
	"github.com/spf13/cobra"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <location>",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, loc, err := resolve(args[0])
		if err != nil {
			return err
		}
		return p.CreateDirectory(cmd.Context(), loc)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <location>...",
	Short: "Delete files or directories",
	Long: `Delete files or directories. Directories are removed with their
contents; Google Drive items are moved to the trash.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, raw := range args {
			p, loc, err := resolve(raw)
			if err != nil {
				return err
			}
			if err := p.Delete(cmd.Context(), loc); err != nil {
				return err
			}
		}
		return nil
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <from> <to>",
	Short: "Move or rename an item",
	Long: `Move or rename an item. Both locations must be served by the same
provider and, for remote backends, the same server or account.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, from, to, err := resolvePair(args[0], args[1])
		if err != nil {
			return err
		}
		if from.Parent().String() == to.Parent().String() {
			return p.Rename(cmd.Context(), from, to)
		}
		return p.Move(cmd.Context(), from, to)
	},
}

var cpCmd = &cobra.Command{
	Use:   "cp <from> <to>",
	Short: "Copy an item within one provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, from, to, err := resolvePair(args[0], args[1])
		if err != nil {
			return err
		}
		return p.Copy(cmd.Context(), from, to)
	},
}

func init() {
	rootCmd.AddCommand(mkdirCmd, rmCmd, mvCmd, cpCmd)
}

// resolvePair resolves two locations that must share a provider.
func resolvePair(rawFrom, rawTo string) (unifs.Provider, unifs.Location, unifs.Location, error) {
	p, from, err := resolve(rawFrom)
	if err != nil {
		return nil, from, unifs.Location{}, err
	}
	to := unifs.Parse(rawTo)
	if to.Scheme() != from.Scheme() {
		return nil, from, to, fmt.Errorf("%w: cannot transfer from %s to %s", unifs.ErrNotSupported, from.Scheme(), to.Scheme())
	}
	return p, from, to, nil
}
