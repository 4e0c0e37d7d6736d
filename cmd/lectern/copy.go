package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/caffeineduck/lectern/clipboard"
	"github.com/spf13/cobra"
)

var copyCmd = &cobra.Command{
	Use:   "copy [text]",
	Short: "Copy text to the clipboard",
	Long: `Copy text to the system clipboard, reading stdin when no text is given.

The system clipboard command is tried first, then the terminal multiplexer
buffer, then an OSC 52 escape written to the terminal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCopy,
}

func init() {
	copyCmd.Flags().Duration("strategy-timeout", 0, "Time limit for each copy method (default 5s)")
	rootCmd.AddCommand(copyCmd)
}

func runCopy(cmd *cobra.Command, args []string) error {
	var text string
	if len(args) > 0 {
		text = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		text = strings.TrimSuffix(string(data), "\n")
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	opts := []clipboard.Option{clipboard.WithLogger(newLogger(verbose).WithPrefix("clipboard"))}
	if d, _ := cmd.Flags().GetDuration("strategy-timeout"); d > 0 {
		opts = append(opts, clipboard.WithStrategyTimeout(d))
	}

	outcome := clipboard.New(opts...).Copy(cmd.Context(), text)
	if !outcome.Succeeded {
		return errors.New(outcome.Diagnostic)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "copied %d bytes via %s\n", len(text), outcome.Method)
	return nil
}
