package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/srfgo/srf/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration without starting daemon",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}

		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("VALID: mode %s, %d destination(s), listening %s %s\n",
			cfg.Mode, len(cfg.Destinations), cfg.SIP.Network, cfg.SIP.Listen)
	},
}
