package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/swarm/internal/printer"
	"github.com/dyluth/swarm/internal/scaffold"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new swarm project",
	Long: `Initialize a swarm project in the current directory.

Creates:
  • swarm.yml - Node configuration
  • protoruns/example.yml - Example proto run
  • requests/example.yml - Example run request
  • trainers/example.sh - Example trainer demonstrating the trainer contract

Use --force to reinitialize an existing project (WARNING: overwrites these files).`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	if !forceInit {
		if err := scaffold.CheckExisting(dir); err != nil {
			return printer.Error("project already initialized", err.Error(), nil)
		}
	}
	if err := scaffold.Initialize(dir, forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	scaffold.PrintSuccess()
	return nil
}
