// Command neoflow runs a fat-tree flow monitoring experiment and writes the
// per-switch flow reports.
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/neoflowmon/neoflow"
)

func main() {
	klog.InitFlags(flag.CommandLine)
	defer klog.Flush()

	command := newRunCommand()

	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	opts := newOptions()

	cmd := &cobra.Command{
		Use:          "neoflow",
		Short:        "Run a fat-tree flow monitoring experiment",
		Long:         "neoflow builds a fat-tree, generates elephant and mouse flows across it and records per-flow statistics at the switches.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.complete(cmd.Flags()); err != nil {
				klog.ErrorS(err, "Failed to complete options")
				return err
			}
			if err := opts.validate(args); err != nil {
				klog.ErrorS(err, "Failed to validate options")
				return err
			}
			return run(opts)
		},
	}

	flags := cmd.Flags()
	opts.addFlags(flags)
	// Install log flags
	flags.AddGoFlagSet(flag.CommandLine)
	return cmd
}

func run(o *Options) error {
	xp, err := neoflow.BuildExperiment(o.config)
	if err != nil {
		return err
	}
	defer xp.Close()
	return xp.Run()
}
