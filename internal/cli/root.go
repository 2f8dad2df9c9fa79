// Package cli содержит команды cartctl.
package cli

import (
	"fmt"
	"io"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	defaultAddr    = "localhost:50051"
	defaultTimeout = 5 * time.Second
)

// ValidFormats — допустимые форматы вывода.
var ValidFormats = []string{"text", "json"}

// RootOptions содержит глобальные флаги cartctl.
type RootOptions struct {
	Verbose bool
	Format  string
	Addr    string
	Timeout time.Duration

	dial dialFunc
}

// NewRootCommand создаёт корневую команду cartctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{dial: dialGRPC})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cartctl",
		Short: "cartctl - cart sync simulator and client",
		Long: `cartctl runs scripted cart scenarios against an in-memory collaborator
and talks to a running cartsync server over gRPC.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			configureLogging(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", defaultAddr, "cartsync gRPC address")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", defaultTimeout, "per-request timeout")

	cmd.AddCommand(NewSimulateCommand(opts))
	for _, c := range newRemoteCommands(opts) {
		cmd.AddCommand(c)
	}
	return cmd
}

func configureLogging(w io.Writer, verbose bool) {
	log.SetOutput(w)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.WarnLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}
