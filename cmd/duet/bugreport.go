package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/config"
	"github.com/duet-cli/duet/internal/doctor"
	"github.com/duet-cli/duet/internal/locks"
	"github.com/duet-cli/duet/internal/orchestrator"
	"github.com/duet-cli/duet/internal/recovery"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportStateDirFn = config.StateDir
	bugreportGetwdFn    = os.Getwd
)

func newBugreportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a redacted diagnostic bundle for issue reports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

func runBugReport(ctx context.Context, out io.Writer, opts *rootOptions) error {
	stateDir, err := bugreportStateDirFn()
	if err != nil {
		return fmt.Errorf("resolve state directory: %w", err)
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf(".duet-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "duet-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	report, err := collectBugreportArtifacts(ctx, opts, stateDir, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, report); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s\nThe history database is not included; it holds conversation text.\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	Warnings  []string
}

func collectBugreportArtifacts(
	ctx context.Context,
	opts *rootOptions,
	stateDir string,
	stagingDir string,
) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Warnings:  make([]string, 0),
	}

	cfg, cfgPaths, cfgErr := loadConfig(ctx, opts)
	if cfgErr != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("config did not load: %v", cfgErr))
	}

	logDir := filepath.Join(stateDir, "logs")
	if cfgErr == nil && cfg.LogDir != "" {
		logDir = cfg.LogDir
	}
	logFiles, warnings := copyRecentLogs(logDir, stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID = extractLastRunID(logFiles)
	if summary.RunID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id found in copied logs")
	}

	if err := writeLastRunFile(stagingDir, summary.RunID); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeVersionFile(stagingDir, summary.Version); err != nil {
		return bugreportSummary{}, err
	}
	if err := stageRedactedConfigs(cfgPaths, stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeDoctorFile(ctx, cfg, cfgPaths, cfgErr, stateDir, stagingDir); err != nil {
		return bugreportSummary{}, err
	}
	if err := stageStateFile(stateDir, recovery.DefaultFileName, stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}
	if err := stageStateFile(stateDir, locks.DefaultFileName, stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}

	return summary, nil
}

func copyRecentLogs(logDir string, stagingDir string, limit int) ([]string, []string) {
	files, err := newestFiles(logDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	warnings := make([]string, 0)
	copiedPaths := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from enumerating the log directory.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, readErr))
			continue
		}
		dstPath := filepath.Join(destDir, filepath.Base(file.path))
		if writeErr := os.WriteFile(dstPath, data, 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, writeErr))
			continue
		}
		copiedPaths = append(copiedPaths, file.path)
	}
	return copiedPaths, warnings
}

// extractLastRunID scans the copied logs, newest first, for the run_id
// field the logger stamps on every record.
func extractLastRunID(logPaths []string) string {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths come from enumerating the log directory.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			record := map[string]any{}
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				continue
			}
			if runID := asString(record["run_id"]); runID != "" {
				return runID
			}
		}
	}
	return ""
}

func writeLastRunFile(stagingDir, runID string) error {
	content := fmt.Sprintf("run_id: %s\n", runID)
	if err := os.WriteFile(filepath.Join(stagingDir, "last-run.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write last-run.txt: %w", err)
	}
	return nil
}

func writeVersionFile(stagingDir, version string) error {
	content := fmt.Sprintf("duet version: %s\n", strings.TrimSpace(version))
	if err := os.WriteFile(filepath.Join(stagingDir, "version.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write version.txt: %w", err)
	}
	return nil
}

// stageRedactedConfigs copies the config files with credential values
// masked. The user-level file always appears, with a placeholder when
// unreadable; the project-level override appears only when it exists.
func stageRedactedConfigs(cfgPaths []string, stagingDir string, summary *bugreportSummary) error {
	names := []string{"config.toml", "config-local.toml"}
	if len(cfgPaths) == 0 {
		summary.Warnings = append(summary.Warnings, "no config paths resolved")
		cfgPaths = []string{""}
	}
	for i, path := range cfgPaths {
		if i >= len(names) {
			break
		}
		var data []byte
		var err error
		if path != "" {
			// #nosec G304 -- config paths come from the fixed lookup order or --config.
			data, err = os.ReadFile(path)
		} else {
			err = os.ErrNotExist
		}
		if err != nil {
			if i > 0 {
				continue
			}
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read config: %v", err))
			data = []byte("# config unavailable\n")
		}
		redacted := redactConfigText(string(data))
		if err := os.WriteFile(filepath.Join(stagingDir, names[i]), []byte(redacted), 0o600); err != nil {
			return fmt.Errorf("write redacted config: %w", err)
		}
	}
	return nil
}

// redactConfigText masks values whose keys look credential-like. It works
// line by line on both "key = value" and "key: value" forms, so a pasted
// YAML fragment in a comment block gets masked too.
func redactConfigText(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		separator := "="
		if strings.Contains(line, ":") && (!strings.Contains(line, "=") || strings.Index(line, ":") < strings.Index(line, "=")) {
			separator = ":"
		}
		parts := strings.SplitN(line, separator, 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if !sensitiveKey(strings.ToLower(key)) {
			continue
		}
		lines[i] = parts[0] + separator + " ***REDACTED***"
	}
	return strings.Join(lines, "\n")
}

func sensitiveKey(value string) bool {
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"api_key",
		"apikey",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// writeDoctorFile runs the environment checks and stages the plain-text
// report. Doctor findings go into the bundle even when they fail; that is
// usually the interesting part.
func writeDoctorFile(
	ctx context.Context,
	cfg *config.Config,
	cfgPaths []string,
	cfgErr error,
	stateDir string,
	stagingDir string,
) error {
	var registry *adapter.Registry
	var registryErr error
	if cfgErr == nil {
		registry, registryErr = orchestrator.BuildRegistry(cfg)
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
		return fmt.Errorf("prepare doctor report: %w", err)
	}
	content := plainReport(runner.Run(ctx))
	if err := os.WriteFile(filepath.Join(stagingDir, "doctor.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write doctor.txt: %w", err)
	}
	return nil
}

// stageStateFile copies one state-directory file into the bundle when it
// exists. Absence is normal for a clean install and stays silent.
func stageStateFile(stateDir, name, stagingDir string, summary *bugreportSummary) error {
	// #nosec G304 -- the path is a fixed name under the state directory.
	data, err := os.ReadFile(filepath.Join(stateDir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read %s: %v", name, err))
		}
		return nil
	}
	if err := os.WriteFile(filepath.Join(stagingDir, name), data, 0o600); err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	return nil
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	builder := strings.Builder{}
	builder.WriteString("duet Bug Report\n")
	builder.WriteString("===============\n\n")
	builder.WriteString(fmt.Sprintf("Generated: %s\n", summary.Timestamp))
	builder.WriteString(fmt.Sprintf("Version: %s\n", summary.Version))
	builder.WriteString(fmt.Sprintf("run_id: %s\n\n", summary.RunID))
	builder.WriteString("Included artifacts:\n")
	builder.WriteString("- logs/ (up to the 3 most recent log files)\n")
	builder.WriteString("- config.toml (redacted; config-local.toml when a project override exists)\n")
	builder.WriteString("- version.txt\n")
	builder.WriteString("- last-run.txt\n")
	builder.WriteString("- doctor.txt (environment check results)\n")
	builder.WriteString("- children.json (tool processes duet was tracking, when present)\n")
	builder.WriteString("- duet.lock (instance lock holder, when present)\n\n")
	builder.WriteString("The history database is not included: it contains your prompts and\n")
	builder.WriteString("the tools' responses. Attach specific exchanges by hand if relevant.\n\n")
	builder.WriteString("Usage:\n")
	builder.WriteString("- Share this archive when filing an issue.\n")
	builder.WriteString("- run_id isolates this run's records in a shared log directory.\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) error {
	// #nosec G304 -- destination is generated in the working directory with a fixed name.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	defer func() {
		_ = archiveFile.Close()
	}()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer func() {
		_ = gzipWriter.Close()
	}()

	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		_ = tarWriter.Close()
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		if _, err := io.Copy(tarWriter, file); err != nil {
			if closeErr := file.Close(); closeErr != nil {
				return fmt.Errorf("close %s after copy failure: %w", path, closeErr)
			}
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("close %s: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{
			path:    filepath.Join(dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	default:
		return ""
	}
}
