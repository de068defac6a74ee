package main

import (
	"context"
	"os"

	"github.com/benbjohnson/dbrew"
	"github.com/spf13/cobra"
)

// DecodeCommand represents a command for printing decoded machine code.
type DecodeCommand struct {
	code  codeFlags
	count int
}

// NewDecodeCommand returns a new instance of DecodeCommand.
func NewDecodeCommand() *DecodeCommand {
	return &DecodeCommand{}
}

// Command returns the cobra command.
func (cmd *DecodeCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "decode [hex code]",
		Short: "Print decoded instructions",
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.Context(), args)
		},
	}
	cmd.code.bind(c.Flags())
	c.Flags().IntVarP(&cmd.count, "count", "n", 0, "number of instructions, 0 for all")
	return c
}

// Run executes the "decode" subcommand.
func (cmd *DecodeCommand) Run(ctx context.Context, args []string) error {
	code, err := cmd.code.load(args)
	if err != nil {
		return err
	}

	r := dbrew.NewRewriter(dbrew.WithMemory(&dbrew.Image{Base: cmd.code.base, Data: code}))
	r.SetFunctionName(cmd.code.base, len(code), "func")

	n := cmd.count
	if n == 0 {
		if n, err = countInstrs(r.Decoder(), cmd.code.base, len(code)); err != nil {
			return err
		}
	}
	return r.DecodeAndPrint(os.Stdout, cmd.code.base, n)
}

// countInstrs returns the number of instructions in [base, base+size).
func countInstrs(dec *dbrew.Decoder, base uint64, size int) (int, error) {
	var n int
	for addr := base; addr < base+uint64(size); {
		bb, err := dec.Decode(addr)
		if err != nil {
			return 0, err
		}
		n += len(bb.Instrs)
		addr = bb.Addr + uint64(bb.Size)
	}
	return n, nil
}
