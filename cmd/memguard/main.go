package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/capmem/budget"
	"github.com/wippyai/capmem/config"
	"github.com/wippyai/capmem/factory"
	"github.com/wippyai/capmem/monitor"
	"github.com/wippyai/capmem/platform"
	"github.com/wippyai/capmem/report"
)

func main() {
	var (
		presetName  = flag.String("preset", "embedded", "Budget preset ("+strings.Join(config.PresetNames(), ", ")+")")
		planFile    = flag.String("config", "", "Plan file (.json or .lua), overrides -preset")
		format      = flag.String("format", "ascii", "Report format (ascii, json, csv, markdown)")
		backendName = flag.String("backend", "heap", "Region backend (heap, mmap, static)")
		width       = flag.Int("width", report.DefaultWidth, "Utilization bar width")
		demo        = flag.Bool("demo", false, "Run a sample workload before reporting")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		verbose     = flag.Bool("v", false, "Log allocation events to stderr")
	)
	flag.Parse()

	if *verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = log.Sync() }()
		factory.SetLogger(log)
		budget.SetLogger(log)
	}

	s, err := setup(*presetName, *planFile, *backendName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *interactive {
		err = runInteractive(s)
	} else {
		err = run(s, *format, *width, *demo)
	}
	err = multierr.Append(err, s.f.Close())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type session struct {
	f    *factory.Factory
	mon  *monitor.Monitor
	plan *config.Plan
}

func setup(presetName, planFile, backendName string) (*session, error) {
	var (
		plan *config.Plan
		err  error
	)
	if planFile != "" {
		plan, err = config.LoadFile(context.Background(), planFile)
	} else {
		plan, err = config.Preset(presetName)
	}
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(backendName, plan)
	if err != nil {
		return nil, err
	}

	mon := monitor.New(factory.Logger())
	f, err := config.Build(plan, &factory.Config{
		Backend:   backend,
		Observers: []factory.Observer{mon},
	})
	if err != nil {
		return nil, fmt.Errorf("build plan %q: %w", plan.Name, err)
	}
	return &session{f: f, mon: mon, plan: plan}, nil
}

func newBackend(name string, plan *config.Plan) (platform.Backend, error) {
	switch strings.ToLower(name) {
	case "heap", "":
		return platform.NewHeap(), nil
	case "mmap":
		return platform.NewMmap(), nil
	case "static":
		return platform.NewStaticPool(int(plan.Global)), nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

func run(s *session, formatName string, width int, demo bool) error {
	format, err := report.ParseFormat(formatName)
	if err != nil {
		return err
	}

	if demo {
		held, err := runDemo(s.f, os.Stderr)
		if err != nil {
			return err
		}
		defer releaseAll(held)
	}

	health := s.mon.Report()
	return report.Render(os.Stdout, s.f.Hierarchy(), s.f.Registry(), &report.Options{
		Format:      format,
		Width:       width,
		Percentages: true,
		Health:      &health,
	})
}
