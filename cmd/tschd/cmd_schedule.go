/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/tsch/internal/config"
	"github.com/friendsincode/tsch/internal/radio"
	"github.com/friendsincode/tsch/internal/radio/sim"
	"github.com/friendsincode/tsch/internal/store"
	"github.com/friendsincode/tsch/internal/tsch"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage stored TSCH schedules",
}

var scheduleValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a schedule file",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleValidate,
}

var scheduleImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the stored schedule of the interface with a schedule file",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleImport,
}

var scheduleExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the stored schedule of the interface as YAML",
	RunE:  runScheduleExport,
}

var (
	scheduleBand    string
	scheduleOutput  string
	scheduleTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleValidateCmd, scheduleImportCmd, scheduleExportCmd)

	scheduleValidateCmd.Flags().StringVar(&scheduleBand, "band", string(config.Band2450), "Radio band the hopping sequence must fit (2450 or subghz)")
	scheduleExportCmd.Flags().StringVarP(&scheduleOutput, "output", "o", "", "Output file (default stdout)")
	scheduleCmd.PersistentFlags().DurationVar(&scheduleTimeout, "timeout", 30*time.Second, "Database operation timeout")
}

// parseScheduleFile loads a file and checks its hopping sequence against a
// simulated radio of the given band.
func parseScheduleFile(path string, band config.Band) (*config.ScheduleFile, error) {
	file, err := config.LoadSchedule(path)
	if err != nil {
		return nil, err
	}
	if len(file.HoppingSequence) == 0 {
		return file, nil
	}
	opts := sim.DefaultOptions()
	if band == config.BandSubGHz {
		opts.Band = sim.BandSubGHz
		opts.Page = radio.PageTwo
	}
	if err := tsch.VerifyHoppingSequence(sim.New(opts), file.HoppingSequence); err != nil {
		return nil, err
	}
	return file, nil
}

func runScheduleValidate(cmd *cobra.Command, args []string) error {
	file, err := parseScheduleFile(args[0], config.Band(scheduleBand))
	if err != nil {
		return err
	}
	sfs, links := file.Entries()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d slotframes, %d links\n", args[0], len(sfs), len(links))
	return nil
}

func openStore() (*store.Store, func(), error) {
	if cfg.DBDSN == "" {
		return nil, nil, fmt.Errorf("TSCH_DB_DSN is not set")
	}
	database, err := store.Connect(cfg.DBBackend, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := store.Migrate(database); err != nil {
		_ = store.Close(database)
		return nil, nil, err
	}
	return store.New(database, cfg.Interface, logger), func() { _ = store.Close(database) }, nil
}

func runScheduleImport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	file, err := parseScheduleFile(args[0], cfg.Band)
	if err != nil {
		return err
	}
	st, closeFn, err := openStore()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), scheduleTimeout)
	defer cancel()

	sfs, links := file.Entries()
	if err := st.ReplaceSchedule(ctx, sfs, links, file.HoppingSequence); err != nil {
		return fmt.Errorf("import schedule: %w", err)
	}
	if file.Role != "" {
		if _, err := tsch.ParseRole(file.Role); err != nil {
			return err
		}
		if err := st.SaveSetting(ctx, store.SettingRole, file.Role); err != nil {
			return err
		}
	}

	logger.Info().
		Str("file", args[0]).
		Str("iface", cfg.Interface).
		Int("slotframes", len(sfs)).
		Int("links", len(links)).
		Msg("schedule imported")
	return nil
}

func runScheduleExport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	st, closeFn, err := openStore()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), scheduleTimeout)
	defer cancel()

	snap, err := st.Load(ctx)
	if err != nil {
		return err
	}
	hopping, err := snap.Hopping()
	if err != nil {
		return err
	}
	file := config.NewScheduleFile(snap.Slotframes, snap.Links, hopping)
	file.Role = snap.Settings[store.SettingRole]

	data, err := file.Marshal()
	if err != nil {
		return err
	}
	if scheduleOutput == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(scheduleOutput, data, 0o644)
}
