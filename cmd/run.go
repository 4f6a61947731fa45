package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/influxback/influxback/errext"
	"github.com/influxback/influxback/errext/exitcodes"
	"github.com/influxback/influxback/lib/config"
)

func getRunCmd(gs *globalState) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [config-dir]",
		Short: "run every job configuration found in the config directory",
		Long: `Scan the configuration directory once, start one isolated worker process
per job file and wait for all of them. Template files (*` + config.TemplateSuffix + `)
are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := gs.env.ConfigDir
			if len(args) == 1 {
				dir = args[0]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runConfigDir(ctx, gs, dir)
		},
	}
	return runCmd
}

func runConfigDir(ctx context.Context, gs *globalState, dir string) error {
	configs, err := discoverConfigs(gs.fs, dir)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
	}
	if len(configs) == 0 {
		return errext.WithExitCodeIfNone(
			fmt.Errorf("no job configurations found in %s", dir), exitcodes.SetupError)
	}

	self, err := os.Executable()
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
	}

	// One process per job: a crash in one worker cannot take down the
	// others, and the kernel reclaims whatever it leaked.
	type result struct {
		path string
		code int
		err  error
	}
	results := make(chan result, len(configs))
	for _, path := range configs {
		go func(path string) {
			args := []string{"worker", "--config", path}
			if gs.verbose {
				args = append(args, "--verbose")
			}
			worker := exec.CommandContext(ctx, self, args...) //nolint:gosec
			worker.Stdout = os.Stdout
			worker.Stderr = os.Stderr
			// Forward shutdown as SIGTERM so the worker can finish its
			// in-flight chunk instead of being killed.
			worker.Cancel = func() error {
				return worker.Process.Signal(syscall.SIGTERM)
			}

			err := worker.Run()
			code := 0
			if err != nil {
				code = -1
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					code = exitErr.ExitCode()
				}
			}
			results <- result{path: path, code: code, err: err}
		}(path)
	}

	crashed := 0
	partial := 0
	for range configs {
		res := <-results
		logger := gs.logger.WithField("config", res.path)
		switch res.code {
		case int(exitcodes.Success):
			logger.Info("worker finished")
		case int(exitcodes.PartialFailure):
			partial++
			logger.Warn("worker finished with failed measurements")
		default:
			crashed++
			logger.WithError(res.err).Errorf("worker exited with code %d", res.code)
		}
	}

	if crashed > 0 {
		return errext.WithExitCodeIfNone(
			fmt.Errorf("%d of %d workers failed", crashed, len(configs)), exitcodes.SetupError)
	}
	if partial > 0 {
		gs.logger.Warnf("%d of %d workers reported failed measurements", partial, len(configs))
	}
	return nil
}

// discoverConfigs lists the job files in dir, skipping templates. The
// directory is scanned exactly once; new files need a restart.
func discoverConfigs(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("could not read config directory %s: %w", dir, err)
	}

	var configs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if config.IsTemplate(name) {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".yaml", ".yml":
			configs = append(configs, filepath.Join(dir, name))
		}
	}
	return configs, nil
}
