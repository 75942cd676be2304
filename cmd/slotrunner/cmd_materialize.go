/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/spotlxght/slotrunner/internal/timeslot"
)

var (
	materializeDate  string
	materializeStart string
	materializeEnd   string
	materializeTZ    string
)

var materializeCmd = &cobra.Command{
	Use:   "materialize",
	Short: "Print the absolute instants for a timeslot",
	Long: `Resolve a calendar date and two wall-clock labels into the start, end and
settlement-due instants the scheduler would arm.

Examples:
  slotrunner materialize --date 2024-06-01 --start 9:00PM --end 11:00PM --tz America/Chicago
  slotrunner materialize --date 2024-06-01 --start 11:30PM --end 12:30AM --tz Europe/Berlin
`,
	Args: cobra.NoArgs,
	RunE: runMaterialize,
}

func init() {
	materializeCmd.Flags().StringVar(&materializeDate, "date", "", "Event date (YYYY-MM-DD)")
	materializeCmd.Flags().StringVar(&materializeStart, "start", "", "Start label, e.g. 9:00PM")
	materializeCmd.Flags().StringVar(&materializeEnd, "end", "", "End label, e.g. 11:00PM")
	materializeCmd.Flags().StringVar(&materializeTZ, "tz", "", "Operating timezone, e.g. America/Chicago")
	_ = materializeCmd.MarkFlagRequired("date")
	_ = materializeCmd.MarkFlagRequired("start")
	_ = materializeCmd.MarkFlagRequired("end")
	_ = materializeCmd.MarkFlagRequired("tz")
	rootCmd.AddCommand(materializeCmd)
}

func runMaterialize(cmd *cobra.Command, args []string) error {
	loc, err := time.LoadLocation(materializeTZ)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", materializeTZ, err)
	}

	w, err := timeslot.Materialize(materializeDate, materializeStart, materializeEnd, loc)
	if err != nil {
		return err
	}

	out := struct {
		Timezone      string    `json:"timezone"`
		Start         time.Time `json:"start"`
		End           time.Time `json:"end"`
		SettlementDue time.Time `json:"settlement_due"`
		LocalStart    string    `json:"local_start"`
		LocalEnd      string    `json:"local_end"`
	}{
		Timezone:      loc.String(),
		Start:         w.Start,
		End:           w.End,
		SettlementDue: w.SettlementDue,
		LocalStart:    w.Start.In(loc).Format(time.RFC3339),
		LocalEnd:      w.End.In(loc).Format(time.RFC3339),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
