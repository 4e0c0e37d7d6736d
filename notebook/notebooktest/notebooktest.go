// Package notebooktest provides a line-based guest language for testing
// notebook sessions on executor.StubEngine.
//
// Statements, one per line:
//
//	print <text>    write text and a newline to standard output
//	show            emit the current figure through the display override
//	raise <msg>     fail with msg
//	block           hang until the process is killed
//	sleep <dur>     pause for a time.ParseDuration duration
//	set <k> <v>     assign a variable
//	get <k>         evaluate to a variable ("" when unset)
//	echo <k>        print a variable
//	import <pkg>    load a package
//	install <pkg>   install a package
//
// The instrumentation is expressed with directives: @redirect, @display
// <prefix>, @datasets <name,...> and @restore.
package notebooktest

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/caffeineduck/lectern/executor"
	"github.com/caffeineduck/lectern/hostfunc"
)

// Language implements executor.Language and notebook.Instrumentation.
type Language struct {
	executor.StubLanguage
}

func (Language) RedirectOutput() string { return "@redirect" }

func (Language) OverrideDisplay(prefix string) string { return "@display " + prefix }

func (Language) PreloadDatasets(sets []hostfunc.Dataset) string {
	if len(sets) == 0 {
		return ""
	}
	names := make([]string, len(sets))
	for i, ds := range sets {
		names[i] = ds.Name
	}
	return "@datasets " + strings.Join(names, ",")
}

// Cell returns source unchanged; stub statements carry no line numbers.
func (Language) Cell(source string) string { return source }

func (Language) Restore() string { return "@restore" }

// Guest configures the stub interpreter.
type Guest struct {
	// Missing packages fail to import until installed.
	Missing []string
	// Broken packages fail to install.
	Broken []string
}

// Engine returns a StubEngine running this guest.
func (g Guest) Engine() *executor.StubEngine {
	return &executor.StubEngine{Guest: g.New}
}

// New returns the exec handler for one fresh process.
func (g Guest) New() executor.StubFunc {
	st := &state{
		vars:      make(map[string]string),
		installed: make(map[string]bool),
		cfg:       g,
	}
	return st.exec
}

// Figure returns the image payload the n-th show (from 1) of a process emits.
func Figure(n int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("figure-%d", n)))
}

type state struct {
	cfg Guest

	vars      map[string]string
	installed map[string]bool

	buf        *strings.Builder
	redirected bool
	display    string
	figures    int
}

func (s *state) exec(g *executor.StubGuest, code string) (string, error) {
	var value string
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		stmt, arg, _ := strings.Cut(line, " ")
		value = ""

		switch stmt {
		case "@redirect":
			s.buf = &strings.Builder{}
			s.redirected = true
		case "@display":
			s.display = arg
		case "@datasets":
			for _, name := range strings.Split(arg, ",") {
				if _, ok := s.vars[name]; ok {
					continue
				}
				s.vars[name] = loadDataset(g, name)
			}
		case "@restore":
			s.redirected = false
			s.display = ""
			if s.buf != nil {
				value = s.buf.String()
				s.buf = nil
			}
		case "print":
			s.stdout(g).Write([]byte(arg + "\n"))
		case "show":
			s.figures++
			if s.display != "" && s.buf != nil {
				s.buf.WriteString(s.display + Figure(s.figures) + "\n")
			}
		case "raise":
			return "", errors.New(arg)
		case "block":
			<-g.Killed
			return "", errors.New("killed")
		case "sleep":
			d, err := time.ParseDuration(arg)
			if err != nil {
				return "", err
			}
			select {
			case <-time.After(d):
			case <-g.Killed:
				return "", errors.New("killed")
			}
		case "set":
			k, v, _ := strings.Cut(arg, " ")
			s.vars[k] = v
		case "get":
			value = s.vars[arg]
		case "echo":
			s.stdout(g).Write([]byte(s.vars[arg] + "\n"))
		case "import":
			if slices.Contains(s.cfg.Missing, arg) && !s.installed[arg] {
				return "", fmt.Errorf("ModuleNotFoundError: No module named '%s'", arg)
			}
		case "install":
			if slices.Contains(s.cfg.Broken, arg) {
				return "", fmt.Errorf("install %s failed", arg)
			}
			s.installed[arg] = true
		default:
			return "", fmt.Errorf("SyntaxError: unknown statement %q", stmt)
		}
	}
	return value, nil
}

func (s *state) stdout(g *executor.StubGuest) io.Writer {
	if s.redirected && s.buf != nil {
		return s.buf
	}
	return g.Stdout
}

func loadDataset(g *executor.StubGuest, name string) string {
	data, err := g.Call("dataset_fetch", map[string]any{"name": name})
	if err != nil {
		return "fallback"
	}
	if m, ok := data.(map[string]any); ok {
		if csv, ok := m["csv"].(string); ok {
			return csv
		}
	}
	return "fallback"
}
