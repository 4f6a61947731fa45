// Package cmd implements the influxback command line interface.
package cmd

import (
	"errors"
	"io"
	stdlog "log"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/influxback/influxback/errext"
	"github.com/influxback/influxback/lib/consts"
)

// globalConfig are the process-level settings taken from the environment.
type globalConfig struct {
	ConfigDir string `envconfig:"CONFIG_DIR" default:"/config"`
	LogLevel  string `envconfig:"INFLUXBACK_LOG_LEVEL"`
	NoColor   bool   `envconfig:"INFLUXBACK_NO_COLOR"`
}

// globalState groups the process-external state so commands don't reach
// for the os package directly and tests can swap the pieces out.
type globalState struct {
	fs      afero.Fs
	env     globalConfig
	stdErr  io.Writer
	logger  *logrus.Logger
	verbose bool
}

func newGlobalState() *globalState {
	stderrTTY := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var env globalConfig
	if err := envconfig.Process("", &env); err != nil {
		env = globalConfig{ConfigDir: "/config"}
	}
	_, noColorSet := os.LookupEnv("NO_COLOR") // even empty values disable colors

	stdErr := colorable.NewColorable(os.Stderr)
	logger := &logrus.Logger{
		Out: stdErr,
		Formatter: &logrus.TextFormatter{
			ForceColors:   stderrTTY && !env.NoColor && !noColorSet,
			DisableColors: !stderrTTY || env.NoColor || noColorSet,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}
	if env.LogLevel != "" {
		if lvl, err := logrus.ParseLevel(env.LogLevel); err == nil {
			logger.SetLevel(lvl)
		}
	}

	return &globalState{
		fs:     afero.NewOsFs(),
		env:    env,
		stdErr: stdErr,
		logger: logger,
	}
}

func newRootCommand(gs *globalState) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "influxback",
		Short:         "replicate InfluxDB 1.x time series between instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if gs.verbose {
				gs.logger.SetLevel(logrus.DebugLevel)
			}
			stdlog.SetOutput(gs.logger.Writer())
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&gs.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		getRunCmd(gs),
		getWorkerCmd(gs),
		getPingCmd(gs),
		getVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command and exits the process with the code the
// error carries, defaulting to 1.
func Execute() {
	gs := newGlobalState()
	rootCmd := newRootCommand(gs)

	if err := rootCmd.Execute(); err != nil {
		exitCode := 1
		var ecerr errext.HasExitCode
		if errors.As(err, &ecerr) {
			exitCode = int(ecerr.ExitCode())
		}
		gs.logger.Error(err.Error())
		os.Exit(exitCode)
	}
}

func versionString() string {
	return "influxback v" + consts.Version
}
