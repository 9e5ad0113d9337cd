package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/tripwire/memprobe"
	"github.com/tripwire/memprobe/internal/offsets"
)

// replCompleter completes only the opening verb of a line (path, help,
// quit); class and field names are not completed.
var replCompleter = readline.NewPrefixCompleter(
	readline.PcItem("path"),
	readline.PcItem("help"),
	readline.PcItem("quit"),
)

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive session against the demo world",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl()
		},
	}
}

// runRepl drives an interactive loop over one long-lived Session, so field
// caches and the resolved assembly list built up across commands are
// reused instead of rebuilt per line.
func runRepl() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "inspect> ",
		HistoryFile:     "/tmp/inspect_history.tmp",
		AutoComplete:    replCompleter,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("repl: starting readline: %w", err)
	}
	defer rl.Close()

	world := buildDemoWorld()
	sess := memprobe.NewSession(world.mem)
	if err := sess.Init(demoProcessName, offsets.Default()); err != nil {
		return fmt.Errorf("repl: attaching to demo world: %w", err)
	}
	defer sess.Close()

	fmt.Fprintln(rl.Stdout(), "attached to", demoProcessName)
	fmt.Fprintln(rl.Stdout(), "type 'path <RootClass> [field ...]' to walk the object graph, 'help' for commands, 'quit' to exit")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Fprintln(rl.Stdout(), "path <RootClass> [field ...]   walk a symbolic field path from a root class")
			fmt.Fprintln(rl.Stdout(), "assemblies                      list loaded assemblies")
			fmt.Fprintln(rl.Stdout(), "classes <assembly>              list classes in an assembly")
		case "assemblies":
			names, err := sess.GetAssemblies()
			if err != nil {
				fmt.Fprintln(rl.Stderr(), err)
				continue
			}
			for _, n := range names {
				fmt.Fprintln(rl.Stdout(), n)
			}
		case "classes":
			if len(fields) < 2 {
				fmt.Fprintln(rl.Stderr(), "usage: classes <assembly>")
				continue
			}
			classes, err := sess.GetAssemblyClasses(fields[1])
			if err != nil {
				fmt.Fprintln(rl.Stderr(), err)
				continue
			}
			for _, c := range classes {
				fmt.Fprintf(rl.Stdout(), "%s.%s\n", c.Namespace, c.Name)
			}
		case "path":
			if len(fields) < 2 {
				fmt.Fprintln(rl.Stderr(), "usage: path <RootClass> [field ...]")
				continue
			}
			val, err := sess.ReadData(demoProcessName, fields[1:], offsets.Default())
			if err != nil {
				fmt.Fprintln(rl.Stderr(), err)
				continue
			}
			fmt.Fprintln(rl.Stdout(), formatValue(val))
		default:
			fmt.Fprintf(rl.Stderr(), "unknown command %q; try 'help'\n", fields[0])
		}
	}
}
