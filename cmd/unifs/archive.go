package main

import (
	"fmt"

	"github.com/gobeaver/unifs"
	"github.com/gobeaver/unifs/driver/archive"
	"github.com/spf13/cobra"
)

var pruneForce bool

var extractCmd = &cobra.Command{
	Use:   "extract <archive-location> <dest-dir>",
	Short: "Extract an archive or a folder inside it to a local directory",
	Long: `Extract the entry addressed by an archive location into a local
directory. The whole archive is extracted when the location points at its
root. Entries that would escape the destination are refused before anything
is written.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := archiveProvider()
		if err != nil {
			return err
		}
		out, err := p.ExtractTo(cmd.Context(), unifs.Parse(args[0]), args[1])
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the archive extraction cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired and excess extracted entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := archiveProvider()
		if err != nil {
			return err
		}
		stats, err := p.Prune(pruneForce)
		if err != nil {
			return err
		}
		if stats.Skipped {
			fmt.Println("Pruned recently; use --force to prune now")
			return nil
		}
		fmt.Printf("Expired: %d, evicted: %d, freed: %s, kept: %s\n",
			stats.Expired, stats.Evicted, formatBytes(stats.BytesRemoved), formatBytes(stats.BytesKept))
		return nil
	},
}

func init() {
	cachePruneCmd.Flags().BoolVarP(&pruneForce, "force", "f", false, "Prune even if a prune ran recently")
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(extractCmd, cacheCmd)
}

func archiveProvider() (*archive.Provider, error) {
	p, err := registry.Lookup(archive.Scheme)
	if err != nil {
		return nil, err
	}
	ap, ok := p.(*archive.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s provider is %T", unifs.ErrNotSupported, archive.Scheme, p)
	}
	return ap, nil
}
