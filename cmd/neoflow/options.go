package main

import (
	"errors"
	"time"

	"github.com/spf13/pflag"

	"github.com/neoflowmon/neoflow"
)

// Options holds the command line and the experiment configuration it selects
type Options struct {
	// The path of configuration file.
	configFile string
	// Values of the flags that override the file
	reportDir string
	strategy  string
	stopTime  time.Duration
	traceFile string
	numPods   int
	hosts     int
	flows     int
	intervals int
	maxBytes  uint64
	// The configuration object
	config *neoflow.Config
}

func newOptions() *Options {
	return &Options{
		config: neoflow.DefaultConfig(),
	}
}

// addFlags adds flags to fs and binds them to options.
func (o *Options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configFile, "config", o.configFile, "The path to the experiment configuration file")
	fs.StringVar(&o.reportDir, "report-dir", "", "Directory the flow reports are written to")
	fs.StringVar(&o.strategy, "strategy", "", "Probe strategy: flowmap, flowradar or none")
	fs.DurationVar(&o.stopTime, "stop-time", 0, "Simulated time at which the run ends")
	fs.StringVar(&o.traceFile, "trace-file", "", "Write a trace of every packet event to this .yaml or .json file")
	fs.IntVar(&o.numPods, "pods", 0, "Number of pods")
	fs.IntVar(&o.hosts, "hosts-per-pod", 0, "Number of hosts in each pod")
	fs.IntVar(&o.flows, "flows-per-switch", 0, "Expected number of flows through each switch")
	fs.IntVar(&o.intervals, "intervals", 0, "Number of virtual intervals")
	fs.Uint64Var(&o.maxBytes, "max-bytes", 0, "Most bytes any one sender transmits")
}

// complete loads the configuration file, if one is given, and applies the flags that were set.
func (o *Options) complete(fs *pflag.FlagSet) error {
	if len(o.configFile) > 0 {
		c, err := neoflow.LoadConfig(o.configFile)
		if err != nil {
			return err
		}
		o.config = c
	}
	if fs.Changed("report-dir") {
		o.config.Probes.ReportDir = o.reportDir
	}
	if fs.Changed("strategy") {
		o.config.Probes.Strategy = o.strategy
	}
	if fs.Changed("stop-time") {
		o.config.Simulation.StopTime = o.stopTime
	}
	if fs.Changed("trace-file") {
		o.config.Simulation.TraceFile = o.traceFile
	}
	if fs.Changed("pods") {
		o.config.Topology.NumPods = o.numPods
	}
	if fs.Changed("hosts-per-pod") {
		o.config.Topology.HostsPerPod = o.hosts
	}
	if fs.Changed("flows-per-switch") {
		o.config.Generator.ExpectedFlowsPerSwitch = o.flows
	}
	if fs.Changed("intervals") {
		o.config.Generator.VirtualIntervals = o.intervals
	}
	if fs.Changed("max-bytes") {
		o.config.Generator.MaxBytes = o.maxBytes
	}
	return nil
}

// validate validates all the required options.
func (o *Options) validate(args []string) error {
	if len(args) != 0 {
		return errors.New("no arguments are supported")
	}
	return o.config.Validate()
}
