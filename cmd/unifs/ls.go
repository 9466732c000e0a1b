package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/gobeaver/unifs"
	"github.com/spf13/cobra"
)

var (
	lsLong   bool
	lsAll    bool
	lsJSON   bool
	statJSON bool
)

var lsCmd = &cobra.Command{
	Use:   "ls <location>",
	Short: "List a directory",
	Long: `List the immediate children of a directory, directories first.
Hidden entries are left out unless --all is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runLs,
}

var statCmd = &cobra.Command{
	Use:   "stat <location>",
	Short: "Show metadata of a file or directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

func init() {
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "Show size, modification time and address")
	lsCmd.Flags().BoolVarP(&lsAll, "all", "a", false, "Include hidden entries")
	lsCmd.Flags().BoolVar(&lsJSON, "json", false, "Print items as JSON")
	statCmd.Flags().BoolVar(&statJSON, "json", false, "Print the item as JSON")
	rootCmd.AddCommand(lsCmd, statCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	p, loc, err := resolve(args[0])
	if err != nil {
		return err
	}
	items, err := p.ReadDirectory(cmd.Context(), loc)
	if err != nil {
		return err
	}

	if !lsAll {
		visible := items[:0]
		for _, item := range items {
			if !item.IsHidden {
				visible = append(visible, item)
			}
		}
		items = visible
	}

	if lsJSON {
		return printJSON(items)
	}
	if !lsLong {
		for _, item := range items {
			fmt.Println(displayName(item))
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSIZE\tMODIFIED\tNAME\tLOCATION")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			kind(item), size(item), modified(item.ModTime), displayName(item), item.Path)
	}
	return w.Flush()
}

func runStat(cmd *cobra.Command, args []string) error {
	p, loc, err := resolve(args[0])
	if err != nil {
		return err
	}
	item, err := p.GetFileMetadata(cmd.Context(), loc)
	if err != nil {
		return err
	}
	if statJSON {
		return printJSON(item)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", item.Name)
	fmt.Fprintf(w, "Location:\t%s\n", item.Path)
	fmt.Fprintf(w, "Type:\t%s\n", kind(*item))
	fmt.Fprintf(w, "Size:\t%s\n", size(*item))
	fmt.Fprintf(w, "Modified:\t%s\n", modified(item.ModTime))
	if item.ChildCount != nil {
		fmt.Fprintf(w, "Children:\t%d\n", *item.ChildCount)
	}
	if item.RemoteID != "" {
		fmt.Fprintf(w, "Remote ID:\t%s\n", item.RemoteID)
	}
	if item.ImageWidth != nil && item.ImageHeight != nil {
		fmt.Fprintf(w, "Dimensions:\t%dx%d\n", *item.ImageWidth, *item.ImageHeight)
	}
	return w.Flush()
}

func displayName(item unifs.FileItem) string {
	if item.IsDir {
		return item.Name + "/"
	}
	return item.Name
}

func kind(item unifs.FileItem) string {
	switch {
	case item.IsSymlink:
		return "link"
	case item.IsDir:
		return "dir"
	}
	return "file"
}

func size(item unifs.FileItem) string {
	if item.IsDir {
		return "-"
	}
	return formatBytes(item.Size)
}

func modified(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
