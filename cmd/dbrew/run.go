package main

import (
	"context"
	"fmt"

	"github.com/benbjohnson/dbrew"
	"github.com/benbjohnson/dbrew/native"
	"github.com/spf13/cobra"
)

// RunCommand represents a command for executing a function and its
// specialized copy.
type RunCommand struct {
	code    codeFlags
	rewrite rewriteFlags
}

// NewRunCommand returns a new instance of RunCommand.
func NewRunCommand() *RunCommand {
	return &RunCommand{}
}

// Command returns the cobra command.
func (cmd *RunCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "run [hex code]",
		Short: "Run a function and its rewritten copy natively",
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.Context(), args)
		},
	}
	cmd.code.bind(c.Flags())
	cmd.rewrite.bind(c.Flags())
	return c
}

// Run executes the "run" subcommand. The code is copied into executable
// memory, so --base is ignored.
func (cmd *RunCommand) Run(ctx context.Context, args []string) error {
	if !native.Supported {
		return fmt.Errorf("native execution not supported on this platform")
	}
	code, err := cmd.code.load(args)
	if err != nil {
		return err
	}

	cs, err := dbrew.NewCodeStorage(len(code))
	if err != nil {
		return err
	}
	defer cs.Close()
	if !cs.Executable() {
		return fmt.Errorf("executable memory not available")
	}
	buf, fn, err := cs.Reserve(len(code))
	if err != nil {
		return err
	}
	copy(buf, code)

	r, params, err := cmd.rewrite.newRewriter(dbrew.ProcessMemory{}, fn, "func", len(code))
	if err != nil {
		return err
	}
	defer r.Close()

	gen, err := r.Rewrite(params...)
	if err != nil {
		return err
	}

	if cmd.rewrite.fp {
		fmt.Printf("original:  %g\n", native.CallFloat(fn, params...))
		fmt.Printf("rewritten: %g\n", native.CallFloat(gen, params...))
		return nil
	}
	fmt.Printf("original:  %d\n", int64(native.Call(fn, params...)))
	fmt.Printf("rewritten: %d\n", int64(native.Call(gen, params...)))
	return nil
}
