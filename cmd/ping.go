package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/influxback/influxback/errext"
	"github.com/influxback/influxback/errext/exitcodes"
	"github.com/influxback/influxback/lib/config"
)

func getPingCmd(gs *globalState) *cobra.Command {
	var configPath string

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "check that both endpoints of a job are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := config.Load(gs.fs, configPath)
			if err != nil {
				return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
			}

			source, dest, err := buildClients(job, gs.logger)
			if err != nil {
				return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
			}
			defer func() {
				_ = source.Close()
				_ = dest.Close()
			}()

			for _, c := range []struct {
				role   string
				ping   func() error
				target string
			}{
				{"source", source.Ping, source.Addr()},
				{"destination", dest.Ping, dest.Addr()},
			} {
				if err := c.ping(); err != nil {
					return errext.WithExitCodeIfNone(
						fmt.Errorf("%s %s is unreachable: %w", c.role, c.target, err),
						exitcodes.SetupError)
				}
				gs.logger.WithField("endpoint", c.target).Infof("%s is reachable", c.role)
			}
			return nil
		},
	}

	pingCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the job configuration")
	_ = pingCmd.MarkFlagRequired("config")
	return pingCmd
}
