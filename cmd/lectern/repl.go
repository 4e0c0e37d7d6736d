package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/lectern/clipboard"
	"github.com/caffeineduck/lectern/notebook"
	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Commands:
  :copy     Copy the last output to the clipboard
  :status   Show the interpreter load state

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.lectern_history)")
	replCmd.Flags().String("images", "", "Directory to save figures to")
	rootCmd.AddCommand(replCmd)
}

var (
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle = lipgloss.NewStyle().Bold(true)
)

// repl holds the state carried between inputs.
type repl struct {
	cmd       *cobra.Command
	app       *app
	session   *notebook.Session
	clip      *clipboard.Writer
	imagesDir string
	last      string

	// figures counts images produced so far, so saved files never collide.
	figures int
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	imagesDir, _ := cmd.Flags().GetString("images")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".lectern_history")
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             io.NopCloser(cmd.InOrStdin()),
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	r := &repl{
		cmd:       cmd,
		app:       a,
		session:   a.session(0),
		clip:      clipboard.New(clipboard.WithLogger(a.logger.WithPrefix("clipboard"))),
		imagesDir: imagesDir,
	}

	fmt.Fprintln(cmd.ErrOrStderr(), titleStyle.Render("lectern python REPL")+
		infoStyle.Render(" (type 'exit' to quit, Ctrl+D to exit)"))

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		// Handle multi-line input
		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if !r.handle(line) {
			return nil
		}
	}
}

// handle runs one input and reports whether the loop should continue.
func (r *repl) handle(input string) bool {
	out, errOut := r.cmd.OutOrStdout(), r.cmd.ErrOrStderr()

	switch strings.TrimSpace(input) {
	case "exit", "quit":
		return false
	case ":status":
		st := r.app.loader.Status()
		msg := fmt.Sprintf("interpreter %s (attempts: %d)", st.State, st.Attempts)
		if st.Err != nil {
			msg += ": " + st.Err.Error()
		}
		fmt.Fprintln(errOut, infoStyle.Render(msg))
		return true
	case ":copy":
		outcome := r.clip.Copy(r.cmd.Context(), r.last)
		if outcome.Succeeded {
			fmt.Fprintln(errOut, infoStyle.Render("copied via "+string(outcome.Method)))
		} else {
			fmt.Fprintln(errOut, errStyle.Render(outcome.Diagnostic))
		}
		return true
	}

	res := r.session.Run(r.cmd.Context(), input)
	if res.Text != "" {
		fmt.Fprint(out, res.Text)
		r.last = res.Text
	}
	if err := saveImages(r.cmd, r.imagesDir, r.figures+1, res.Images); err != nil {
		fmt.Fprintln(errOut, errStyle.Render("Error: "+err.Error()))
	}
	r.figures += len(res.Images)
	if res.Error != "" {
		fmt.Fprintln(errOut, errStyle.Render("Error: "+res.Error))
	}
	return true
}
