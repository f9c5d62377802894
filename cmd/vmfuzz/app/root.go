package app

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the vmfuzz tool.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vmfuzz",
		Short: "A coverage-guided grey-box fuzzer for firmware and kernel code in VMs.",
		Long:  `vmfuzz boots virtual machines, snapshots them after harness setup, and repeatedly mutates, restores, and executes structured seeds while tracing kernel/firmware program counters.`,
	}

	cmd.AddCommand(NewFuzzCommand())

	return cmd
}
