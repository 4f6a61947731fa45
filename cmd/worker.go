package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/influxback/influxback/backup"
	"github.com/influxback/influxback/errext"
	"github.com/influxback/influxback/errext/exitcodes"
	"github.com/influxback/influxback/influx"
	"github.com/influxback/influxback/lib/config"
	"github.com/influxback/influxback/lib/consts"
	"github.com/influxback/influxback/log"
	"github.com/influxback/influxback/scheduler"
)

func getWorkerCmd(gs *globalState) *cobra.Command {
	var configPath string

	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "run a single job configuration",
		Hidden: true, // spawned by `run`, but handy for debugging one job
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWorker(ctx, gs, configPath)
		},
	}

	workerCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the job configuration")
	_ = workerCmd.MarkFlagRequired("config")
	return workerCmd
}

func runWorker(ctx context.Context, gs *globalState, configPath string) error {
	job, err := config.Load(gs.fs, configPath)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
	}

	logger, err := jobLogger(gs, job)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
	}
	jobLog := logger.WithField("job", configPath)

	spec := ""
	if job.Options.Incremental.Schedule.Valid {
		spec = job.Options.Incremental.Schedule.String.String
		if err := scheduler.ValidateSpec(spec); err != nil {
			return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
		}
	}

	source, dest, err := buildClients(job, logger)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
	}
	defer func() {
		_ = source.Close()
		_ = dest.Close()
	}()

	for _, c := range []*influx.Client{source, dest} {
		if err := c.Ping(); err != nil {
			return errext.WithExitCodeIfNone(
				fmt.Errorf("endpoint %s is unreachable: %w", c.Addr(), err), exitcodes.SetupError)
		}
	}

	manager := backup.New(job, source, dest, jobLog)
	task := func(ctx context.Context) error {
		summary, err := manager.Run(ctx)
		if err != nil {
			return err
		}
		if summary.Partial() {
			return errext.WithExitCodeIfNone(
				fmt.Errorf("%d of %d measurements failed", summary.FailedMeasurements, summary.Measurements),
				exitcodes.PartialFailure)
		}
		return nil
	}

	return scheduler.Run(ctx, jobLog, spec, task)
}

func jobLogger(gs *globalState, job *config.Job) (*logrus.Logger, error) {
	logger := gs.logger

	if !gs.verbose {
		logger.SetLevel(configLevel(job.LogLevel()))
	}

	if job.Options.LogFile.Valid && job.Options.LogFile.String.String != "" {
		hook, err := log.FileHookFromConfig(gs.fs, job.Options.LogFile.String.String, configLevel(job.LogLevel()))
		if err != nil {
			return nil, err
		}
		logger.AddHook(hook)
	}

	return logger, nil
}

func configLevel(name string) logrus.Level {
	switch name {
	case "DEBUG":
		return logrus.DebugLevel
	case "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	case "CRITICAL":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

func buildClients(job *config.Job, logger logrus.FieldLogger) (*influx.Client, *influx.Client, error) {
	source, err := influx.New(clientConfig(job, job.Source.Endpoint, logger))
	if err != nil {
		return nil, nil, err
	}
	dest, err := influx.New(clientConfig(job, job.Destination, logger))
	if err != nil {
		_ = source.Close()
		return nil, nil, err
	}
	return source, dest, nil
}

func clientConfig(job *config.Job, ep config.Endpoint, logger logrus.FieldLogger) influx.Config {
	return influx.Config{
		Addr:               ep.URL,
		Username:           ep.User,
		Password:           ep.Password,
		Timeout:            job.Timeout(),
		InsecureSkipVerify: ep.VerifySSL.Valid && !ep.VerifySSL.Bool.Bool,
		UserAgent:          consts.UserAgent,
		Logger:             logger,
	}
}
