// RDP MITM Go - Intercepting relay for RDP sessions
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/x-stp/rdp-mitm-go/internal/config"
	"github.com/x-stp/rdp-mitm-go/internal/logger"
	"github.com/x-stp/rdp-mitm-go/pkg/metrics"
	"github.com/x-stp/rdp-mitm-go/pkg/mitm"
)

var (
	serveTarget string
	servePort   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept RDP clients and relay them to the target",
	Long: `Start the relay. Every accepted client is connected to the configured
target server and the session is recorded under output.directory.

Examples:
  # Relay to the target named in the configuration file
  rdp-mitm serve

  # Override the target and listening port
  rdp-mitm serve --target 10.0.0.5:3389 --port 13389`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveTarget, "target", "t", "", "target server as host or host:port (overrides target.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listening port (overrides listen.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := applyServeFlags(cfg); err != nil {
		return err
	}
	if cfg.Target.Host == "" {
		return errors.New("no target server configured: set target.host or pass --target")
	}

	log, closer, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		m = metrics.New(reg)
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Address, reg, log); err != nil {
				log.Error("Metrics server failed", "error", err)
			}
		}()
	}

	app, err := mitm.NewAppContext(cfg, log, m)
	if err != nil {
		return err
	}
	defer app.Close()

	log.Info("Starting relay",
		"version", Version,
		"listen", cfg.Listen.String(),
		"target", cfg.Target.Address(),
		"output", cfg.Output.Directory)

	if err := mitm.NewServer(app).ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Relay stopped")
	return nil
}

func applyServeFlags(cfg *config.Config) error {
	if serveTarget != "" {
		host, port, err := net.SplitHostPort(serveTarget)
		if err != nil {
			host, port = serveTarget, ""
		}
		cfg.Target.Host = host
		if port != "" {
			if cfg.Target.Port, err = strconv.Atoi(port); err != nil {
				return fmt.Errorf("invalid target port %q", port)
			}
		}
	}
	if servePort != 0 {
		cfg.Listen.Port = servePort
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
