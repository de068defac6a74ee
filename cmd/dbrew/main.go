package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand returns the dbrew command with all subcommands.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dbrew",
		Short: "Dbrew is a tool for specializing x86-64 machine code.",
		Long: `Dbrew decodes x86-64 functions, emulates them with a set of known
parameters and generates specialized copies.

Code is given as a hex string argument or read from a raw binary file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		NewDecodeCommand().Command(),
		NewRewriteCommand().Command(),
		NewRunCommand().Command(),
	)
	return root
}
