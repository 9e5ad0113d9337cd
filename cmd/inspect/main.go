// Command inspect is a command-line front end over the memprobe library,
// grounded on saferwall-pe/cmd/pedumper.go's cobra subcommand-per-operation
// layout. It has no OS-level attach primitive of its own (spec.md keeps
// that out of the library's scope), so every subcommand here operates
// against the in-memory demo world built by demoworld.go rather than a
// real running process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Explore a managed runtime's object graph from the outside",
		Long: "inspect attaches to the bundled demo world (a hand built Mono-\n" +
			"shaped process image standing in for a live attach) and lets you\n" +
			"walk its assemblies, classes, and live instances the way memprobe\n" +
			"walks a real game process.",
	}

	rootCmd.AddCommand(
		newAddressesCmd(),
		newAssembliesCmd(),
		newClassesCmd(),
		newClassCmd(),
		newInstanceCmd(),
		newFieldCmd(),
		newStaticCmd(),
		newDictCmd(),
		newPathCmd(),
		newReplCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
