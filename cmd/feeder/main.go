package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "feeder",
		Short:         "Attested price feeder for on-chain oracle programs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json, yaml or toml)")

	root.AddCommand(
		runCmd(&cfgPath),
		checkConfigCmd(&cfgPath),
		updateCmd(&cfgPath),
	)
	return root
}
