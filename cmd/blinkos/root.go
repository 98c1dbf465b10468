package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "blinkos",
	Short: "Blinking LED demo on a tick-driven task scheduler",
	Long: `blinkos boots three blinking tasks and a button scan task on a small
preemptive scheduler. Run it against the simulated board, optionally
driven from the keyboard, or against Raspberry Pi GPIO lines.`,
	SilenceUsage: true,
}
