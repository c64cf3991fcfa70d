package cmd

import (
	"fmt"

	"kmem/kernel/kfmt"

	"github.com/spf13/cobra"
)

const (
	flagWorkers    = "workers"
	flagIterations = "iterations"
	flagMaxSize    = "max-size"
	flagLive       = "live"
	flagSeed       = "seed"
)

func newRunCmd(config *baseConfiguration) *cobra.Command {
	opts := workloadOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the machine and run a concurrent allocation workload on the kernel heap",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCmd(cmd, config, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Workers, flagWorkers, 4, "number of concurrent workers")
	cmd.Flags().IntVar(&opts.Iterations, flagIterations, 1000, "allocations per worker")
	cmd.Flags().IntVar(&opts.MaxSize, flagMaxSize, 4096, "largest allocation in bytes")
	cmd.Flags().IntVar(&opts.Live, flagLive, 16, "allocations a worker keeps alive before freeing one")
	cmd.Flags().Int64Var(&opts.Seed, flagSeed, 1, "random seed")

	return cmd
}

func runCmd(cmd *cobra.Command, config *baseConfiguration, opts workloadOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}

	desc, err := loadMachine(config.MachineFile)
	if err != nil {
		return err
	}

	m, err := boot(desc, config.kernelConfig())
	if err != nil {
		return err
	}
	defer m.Close()

	out := &kfmt.PrefixWriter{Sink: cmd.OutOrStdout(), Prefix: []byte("[memsim] ")}
	writeStats(out, m)

	result, err := runWorkload(cmd.Context(), m.kernel.Heap, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "workload: %d workers, %d allocations, %d bytes\n", opts.Workers, result.Allocations, result.Bytes)
	writeStats(out, m)
	return nil
}
