// Clubprint is a Hello Club attendee sheet printing agent.
// Copyright (C) 2025  The Clubprint Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"clubprint/internal/logging"
	"clubprint/internal/supervisor"
	"clubprint/pkg/config"
)

func main() {
	var (
		configPath = flag.String("config", "config.json", "Path to the JSON configuration file")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, closeLogs := logging.New(logging.Options{
		Level:  *logLevel,
		Dir:    cfg.LogDir,
		Stdout: true,
	})
	defer func() { _ = closeLogs() }()
	slog.SetDefault(logger)

	secrets, err := config.LoadSecrets(cfg.PrintMode == config.PrintModeEmail)
	if err != nil {
		logger.Error("Failed to load secrets from environment", "error", err)
		os.Exit(1)
	}

	// Stop on interrupt or terminate; the supervisor drains in-flight
	// work before returning.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := supervisor.New(cfg, secrets, logger).Run(ctx); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}
