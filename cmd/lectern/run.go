package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/caffeineduck/lectern/notebook"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a snippet and print its output",
	Long: `Execute a Python snippet and print what it prints.

Code can be provided via:
  - File argument: lectern run script.py
  - Inline flag: lectern run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | lectern run

Figures shown with plt.show() are written as PNG files to --images.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().String("images", "", "Directory to save figures to")
}

func runRun(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")
	imagesDir, _ := cmd.Flags().GetString("images")

	var source string
	switch {
	case code != "":
		source = code
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		source = string(data)
	default:
		in := cmd.InOrStdin()
		if f, ok := in.(*os.File); ok {
			// No piped input, show help
			if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
				return cmd.Help()
			}
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		source = string(data)
		if source == "" {
			return cmd.Help()
		}
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.session(0).Run(cmd.Context(), source)
	fmt.Fprint(cmd.OutOrStdout(), res.Text)

	if err := saveImages(cmd, imagesDir, 1, res.Images); err != nil {
		return err
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

// saveImages writes figures as figure-<first>.png, figure-<first+1>.png, ...
// in dir.
func saveImages(cmd *cobra.Command, dir string, first int, images []notebook.ImageArtifact) error {
	if len(images) == 0 {
		return nil
	}
	if dir == "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d figure(s) produced; use --images DIR to save them\n", len(images))
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for i, img := range images {
		n := first + i
		data, err := img.Decode()
		if err != nil {
			return fmt.Errorf("figure %d: %w", n, err)
		}
		p := filepath.Join(dir, fmt.Sprintf("figure-%d.%s", n, img.Format))
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "saved %s\n", p)
	}
	return nil
}
