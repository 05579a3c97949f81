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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "syncd",
		Short: "Local-first sync daemon for the Aleutian record store",
		Long: `syncd keeps a full local replica of your collections and items,
accepts writes while offline, and reconciles with the remote authority
when connectivity allows. Subcommands other than "serve" talk to a
running daemon over its control surface.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: `Opens the local store, starts the control surface, hydrates from
the authority, and keeps the background push/pull loops running until
interrupted.`,
		RunE: runServeCommand,
	}

	hydrateCmd = &cobra.Command{
		Use:   "hydrate",
		Short: "Trigger a full hydration pass on the running daemon",
		RunE:  runHydrateCommand,
	}
	forceHydrate bool

	pushCmd = &cobra.Command{
		Use:   "push",
		Short: "Push local changes to the authority now",
		RunE:  runPushCommand,
	}

	pullCmd = &cobra.Command{
		Use:   "pull",
		Short: "Pull authority changes into the local replica now",
		RunE:  runPullCommand,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's hydration and lockdown state",
		RunE:  runStatusCommand,
	}

	conflictsCmd = &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}
	conflictsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List records currently in conflict",
		RunE:  runConflictsListCommand,
	}
	conflictsResolveCmd = &cobra.Command{
		Use:   "resolve [cid]",
		Short: "Queue a resolution for one conflict (or all with --all)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConflictsResolveCommand,
	}
	resolveKind   string
	resolveChoice string
	resolveAll    bool

	conflictsCancelCmd = &cobra.Command{
		Use:   "cancel [cid]",
		Short: "Cancel a queued resolution before its window elapses",
		Args:  cobra.ExactArgs(1),
		RunE:  runConflictsCancelCommand,
	}
)

func init() {
	hydrateCmd.Flags().BoolVar(&forceHydrate, "force", false,
		"re-run hydration even when the replica is already complete")

	conflictsResolveCmd.Flags().StringVar(&resolveKind, "kind", "item",
		"record kind of the conflicted record (collection or item)")
	conflictsResolveCmd.Flags().StringVar(&resolveChoice, "choice", "",
		"resolution choice: local or remote (required)")
	conflictsResolveCmd.Flags().BoolVar(&resolveAll, "all", false,
		"apply the choice to every current conflict")
	_ = conflictsResolveCmd.MarkFlagRequired("choice")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd, conflictsCancelCmd)
	rootCmd.AddCommand(serveCmd, hydrateCmd, pushCmd, pullCmd, statusCmd, conflictsCmd)
}

func runServeCommand(cmd *cobra.Command, args []string) error {
	d, err := newDaemon(config, logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("syncd starting",
		"data_dir", config.DataDir,
		"authority", config.Authority.BaseURL,
		"realtime", config.Realtime.Enabled)
	return d.run(ctx)
}

func runHydrateCommand(cmd *cobra.Command, args []string) error {
	body := map[string]bool{"force": forceHydrate}
	return callDaemon(http.MethodPost, "/hydration/run", body)
}

func runPushCommand(cmd *cobra.Command, args []string) error {
	return callDaemon(http.MethodPost, "/sync/push", nil)
}

func runPullCommand(cmd *cobra.Command, args []string) error {
	return callDaemon(http.MethodPost, "/sync/pull", nil)
}

func runStatusCommand(cmd *cobra.Command, args []string) error {
	return callDaemon(http.MethodGet, "/status", nil)
}

func runConflictsListCommand(cmd *cobra.Command, args []string) error {
	return callDaemon(http.MethodGet, "/conflicts", nil)
}

func runConflictsResolveCommand(cmd *cobra.Command, args []string) error {
	if resolveAll {
		return callDaemon(http.MethodPost, "/conflicts/resolve",
			map[string]string{"choice": resolveChoice})
	}
	if len(args) != 1 {
		return fmt.Errorf("a conflict cid is required unless --all is set")
	}
	return callDaemon(http.MethodPost, "/conflicts/"+args[0]+"/resolve",
		map[string]string{"kind": resolveKind, "choice": resolveChoice})
}

func runConflictsCancelCommand(cmd *cobra.Command, args []string) error {
	return callDaemon(http.MethodPost, "/conflicts/"+args[0]+"/cancel", nil)
}

// callDaemon sends one request to the running daemon's control
// surface and prints the JSON response.
func callDaemon(method, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	url := "http://" + config.Listen + path
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is syncd running on %s? %w", config.Listen, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	printJSON(data)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}

func printJSON(data []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(pretty.String())
}
