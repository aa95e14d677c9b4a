// Program kbpf drives an in-process bpf subsystem.
//
// The replay command runs a YAML scenario of bpf(2) commands and simulated
// probe hits against a fresh subsystem. The symbols command resolves probe
// targets from a kallsyms file.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kbpf-dev/kbpf/internal/logging"
)

type globalFlags struct {
	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	var logger *logrus.Logger

	rootCmd := &cobra.Command{
		Use:          "kbpf",
		Short:        "Drive an in-process bpf subsystem",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) (err error) {
			logger, err = logging.New(logging.Options{
				Level:  flags.logLevel,
				Format: logging.Format(flags.logFormat),
				Output: cmd.ErrOrStderr(),
			})
			return err
		},
	}
	rootCmd.SetOut(os.Stdout)

	pflags := rootCmd.PersistentFlags()
	pflags.StringVar(&flags.logLevel, "log-level", "warning", "Log level (trace, debug, info, warning, error)")
	pflags.StringVar(&flags.logFormat, "log-format", string(logging.FormatText), "Log format (text, json)")

	getLogger := func() logrus.FieldLogger { return logger }
	rootCmd.AddCommand(
		newReplayCmd(getLogger),
		newSymbolsCmd(getLogger),
	)
	return rootCmd
}
