package main

import (
	"context"
	"fmt"
	"os"

	"github.com/benbjohnson/dbrew"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
)

// RewriteCommand represents a command for printing the specialized code of
// a function.
type RewriteCommand struct {
	code    codeFlags
	rewrite rewriteFlags
	dump    bool
}

// NewRewriteCommand returns a new instance of RewriteCommand.
func NewRewriteCommand() *RewriteCommand {
	return &RewriteCommand{}
}

// Command returns the cobra command.
func (cmd *RewriteCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "rewrite [hex code]",
		Short: "Rewrite a function and print the generated code",
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.Context(), args)
		},
	}
	cmd.code.bind(c.Flags())
	cmd.rewrite.bind(c.Flags())
	c.Flags().BoolVar(&cmd.dump, "dump", false, "dump captured blocks")
	return c
}

// Run executes the "rewrite" subcommand.
func (cmd *RewriteCommand) Run(ctx context.Context, args []string) error {
	code, err := cmd.code.load(args)
	if err != nil {
		return err
	}

	mem := &dbrew.Image{Base: cmd.code.base, Data: code}
	r, params, err := cmd.rewrite.newRewriter(mem, cmd.code.base, "func", len(code))
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := r.Rewrite(params...); err != nil {
		return err
	}
	if cmd.dump {
		config := spew.ConfigState{Indent: "  ", MaxDepth: 3, DisablePointerAddresses: true}
		config.Fdump(os.Stdout, r.Blocks())
	}
	fmt.Printf("generated %d bytes:\n", r.GeneratedCodeSize())
	return r.PrintGenerated(os.Stdout)
}
