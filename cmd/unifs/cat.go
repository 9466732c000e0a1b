package main

import (
	"fmt"
	"io"
	"os"

	"github.com/gobeaver/unifs"
	"github.com/spf13/cobra"
)

var sumAlgorithm string

var catCmd = &cobra.Command{
	Use:   "cat <location>...",
	Short: "Write file contents to stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, raw := range args {
			if err := catOne(cmd, raw); err != nil {
				return err
			}
		}
		return nil
	},
}

var sumCmd = &cobra.Command{
	Use:   "sum <location>...",
	Short: "Print file checksums",
	Long: `Print the checksum of each file. Providers without native checksum
support are hashed by streaming the content.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSum,
}

func init() {
	sumCmd.Flags().StringVarP(&sumAlgorithm, "algorithm", "a", string(unifs.ChecksumSHA256), "md5, sha1, sha256, sha512, crc32 or xxhash")
	rootCmd.AddCommand(catCmd, sumCmd)
}

func catOne(cmd *cobra.Command, raw string) error {
	p, loc, err := resolve(raw)
	if err != nil {
		return err
	}
	opener, ok := p.(unifs.CanOpen)
	if !ok {
		return unifs.NewPathError("open", loc, unifs.ErrNotSupported)
	}
	rc, err := opener.Open(cmd.Context(), loc)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(os.Stdout, rc)
	return err
}

func runSum(cmd *cobra.Command, args []string) error {
	algorithm := unifs.ChecksumAlgorithm(sumAlgorithm)
	for _, raw := range args {
		p, loc, err := resolve(raw)
		if err != nil {
			return err
		}

		var sum string
		switch impl := p.(type) {
		case unifs.CanChecksum:
			sum, err = impl.Checksum(cmd.Context(), loc, algorithm)
		case unifs.CanOpen:
			var rc io.ReadCloser
			if rc, err = impl.Open(cmd.Context(), loc); err == nil {
				sum, err = unifs.CalculateChecksum(rc, algorithm)
				rc.Close()
			}
		default:
			err = unifs.NewPathError("checksum", loc, unifs.ErrNotSupported)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", sum, loc)
	}
	return nil
}
