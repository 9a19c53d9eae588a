package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/config"
	"github.com/duet-cli/duet/internal/console"
	"github.com/duet-cli/duet/internal/doctor"
	"github.com/duet-cli/duet/internal/orchestrator"
)

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check whether this environment can run duet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

// runDoctor diagnoses the environment and prints the report. It exits
// nonzero only on failed checks; warnings leave the exit code clean.
func runDoctor(ctx context.Context, out io.Writer, opts *rootOptions) error {
	cfg, cfgPaths, cfgErr := loadConfig(ctx, opts)
	if cfgErr == nil {
		applyFlagOverrides(cfg, opts)
	}

	var registry *adapter.Registry
	var registryErr error
	if cfgErr == nil {
		registry, registryErr = orchestrator.BuildRegistry(cfg)
	}

	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}

	runner, err := doctor.New(doctor.Options{
		Config:      cfg,
		ConfigPaths: cfgPaths,
		ConfigErr:   cfgErr,
		Registry:    registry,
		RegistryErr: registryErr,
		StateDir:    stateDir,
	})
	if err != nil {
		return err
	}

	report := runner.Run(ctx)
	renderReport(out, report)

	if _, _, fail := report.Counts(); fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

// renderReport prints one line per check with a status icon, then a count
// summary colored by the worst status seen.
func renderReport(w io.Writer, report doctor.Report) {
	for _, check := range report.Checks {
		icon := console.SuccessStyle.Render(console.IconReady)
		switch check.Status {
		case doctor.StatusWarn:
			icon = console.WarnStyle.Render(console.IconAlert)
		case doctor.StatusFail:
			icon = console.ErrorStyle.Render(console.IconStopped)
		}
		fmt.Fprintf(w, "%s %-16s %s\n", icon, check.Name, check.Detail)
	}

	ok, warn, fail := report.Counts()
	summary := fmt.Sprintf("%d ok, %d warning(s), %d failure(s)", ok, warn, fail)
	switch {
	case fail > 0:
		summary = console.ErrorStyle.Render(summary)
	case warn > 0:
		summary = console.WarnStyle.Render(summary)
	default:
		summary = console.SuccessStyle.Render(summary)
	}
	fmt.Fprintf(w, "\n%s\n", summary)
}

// plainReport renders the report without styling for inclusion in files.
func plainReport(report doctor.Report) string {
	var b []byte
	for _, check := range report.Checks {
		b = fmt.Appendf(b, "[%s] %-16s %s\n", check.Status, check.Name, check.Detail)
	}
	ok, warn, fail := report.Counts()
	b = fmt.Appendf(b, "\n%d ok, %d warning(s), %d failure(s)\n", ok, warn, fail)
	return string(b)
}
