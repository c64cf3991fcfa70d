// Package cmd implements the memsim command line: it boots a simulated
// machine through the kernel memory-management core and runs allocation
// workloads against the resulting heap.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"kmem/kernel/kfmt"
	"kmem/kernel/kmain"
	"kmem/kernel/mem"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// The prefix for configuration keys inside environment.
	envPrefix = "MEMSIM"

	// The configuration key for the config file.
	keyConfig = "config"

	flagMachine   = "machine"
	flagLogLevel  = "log-level"
	flagStackSize = "stack-size"
)

type (
	memsimApp struct {
		baseCmd    *cobra.Command
		baseConfig *baseConfiguration
	}

	baseConfiguration struct {
		// Config file path; settings in it apply to flags not given on the
		// command line.
		CfgFile string

		// Machine description file. The built-in machine is used when empty.
		MachineFile string

		LogLevel  string
		StackSize uint64
	}
)

// New creates the memsim application.
func New() *memsimApp {
	baseCmd, baseConfig := newBaseCmd()
	baseCmd.AddCommand(newBootCmd(baseConfig))
	baseCmd.AddCommand(newRunCmd(baseConfig))
	return &memsimApp{baseCmd, baseConfig}
}

// Execute runs the application.
func (a *memsimApp) Execute(ctx context.Context) error {
	return a.baseCmd.ExecuteContext(ctx)
}

func newBaseCmd() (*cobra.Command, *baseConfiguration) {
	config := &baseConfiguration{}
	baseCmd := &cobra.Command{
		Use:           "memsim",
		Short:         "Boot a simulated machine through the kernel memory manager",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(cmd, config); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			return nil
		},
	}

	baseCmd.PersistentFlags().StringVar(&config.CfgFile, keyConfig, "", "config file (default is $MEMSIM_CONFIG)")
	baseCmd.PersistentFlags().StringVar(&config.MachineFile, flagMachine, "", "machine description file; the built-in 16 MiB machine is used when not set")
	baseCmd.PersistentFlags().StringVar(&config.LogLevel, flagLogLevel, "info", "kernel logging level, one of: trace, debug, info, warn, error, disabled")
	baseCmd.PersistentFlags().Uint64Var(&config.StackSize, flagStackSize, uint64(kmain.DefaultStackSize), "size in bytes of the kernel stack allocated during boot")

	return baseCmd, config
}

func initializeConfig(cmd *cobra.Command, config *baseConfiguration) error {
	var errs []error

	if err := config.initializeConfig(cmd); err != nil {
		errs = append(errs, fmt.Errorf("reading configuration: %w", err))
	}

	if err := config.initLogger(cmd); err != nil {
		errs = append(errs, fmt.Errorf("initializing logger: %w", err))
	}

	return errors.Join(errs...)
}

// initializeConfig reads in config file and ENV variables if set.
func (config *baseConfiguration) initializeConfig(cmd *cobra.Command) error {
	v := viper.New()

	if config.CfgFile == "" {
		config.CfgFile = os.Getenv(envKey(keyConfig))
	}
	if config.CfgFile != "" {
		v.SetConfigFile(config.CfgFile)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	// A flag like --max-size binds to MEMSIM_MAX_SIZE.
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := bindFlags(cmd, v); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	return nil
}

// Bind each cobra flag to its associated viper configuration (config file
// and environment variable).
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindFlagErr []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == keyConfig {
			return
		}

		// Environment variables can't have dashes in them.
		if strings.Contains(f.Name, "-") {
			if err := v.BindEnv(f.Name, envKey(f.Name)); err != nil {
				bindFlagErr = append(bindFlagErr, fmt.Errorf("binding env to flag %q: %w", f.Name, err))
				return
			}
		}

		// Apply the viper config value to the flag when the flag is not set
		// and viper has a value.
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				bindFlagErr = append(bindFlagErr, fmt.Errorf("setting flag %q value: %w", f.Name, err))
				return
			}
		}
	})

	return errors.Join(bindFlagErr...)
}

func envKey(key string) string {
	return strings.ToUpper(envPrefix + "_" + strings.ReplaceAll(key, "-", "_"))
}

// initLogger sends kernel log output to the command's error stream.
func (config *baseConfiguration) initLogger(cmd *cobra.Command) error {
	if _, err := kfmt.ParseLevel(config.LogLevel); err != nil {
		return err
	}

	kfmt.SetOutputSink(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: true})
	return nil
}

// kernelConfig returns the boot parameters selected by the flags.
func (config *baseConfiguration) kernelConfig() kmain.Config {
	cfg := kmain.DefaultConfig()
	if level, err := kfmt.ParseLevel(config.LogLevel); err == nil {
		cfg.LogLevel = level
	}
	if config.StackSize != 0 {
		cfg.StackSize = mem.Size(config.StackSize)
	}
	return cfg
}
