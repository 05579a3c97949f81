// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSync/pkg/logging"
)

var (
	configPath string
	config     Config
	logger     *slog.Logger
	closeLogs  = func() {}
)

func main() {
	defer closeLogs()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		closeLogs()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		"~/.aleutiansync/config.yaml", "path to the syncd config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(expandHome(configPath))
		if err != nil {
			return err
		}
		config = cfg
		logger, closeLogs = logging.New(logging.Config{
			Level:   logging.ParseLevel(cfg.Logging.Level),
			LogDir:  cfg.Logging.Dir,
			Service: "syncd",
			Format:  logging.Format(cfg.Logging.Format),
			Quiet:   cfg.Logging.Quiet,
		})
		slog.SetDefault(logger)
		return nil
	}
}
