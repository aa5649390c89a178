package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/RealZimboGuy/approvalflow/internal/config"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/core"
)

var (
	configFile       string
	directoryFile    string
	logLevelOverride string
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "approvalflow",
		Short:         "approvalflow - multi-step approval engine",
		Long:          `approvalflow holds guarded operations until the approvers of a workflow decide on them.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.LoadFile(configFile); err != nil {
					return fmt.Errorf("load config %s: %w", configFile, err)
				}
			}
			if logLevelOverride != "" {
				config.Set(config.LOG_LEVEL, logLevelOverride)
			}
			approvalflow.SetupLogger()
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (yaml, json or toml) merged under AFLOW_* environment variables")
	cmd.PersistentFlags().StringVar(&directoryFile, "directory", "", "YAML file mapping group names to member user ids")
	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewServeCmd(),
		NewMigrateCmd(),
		NewWorkflowCmd(),
		NewAssociationCmd(),
		NewRequestCmd(),
	)

	return cmd
}

// loadDirectory reads the group directory file, if one was given.
func loadDirectory() (core.Directory, error) {
	if directoryFile == "" {
		return core.StaticDirectory{}, nil
	}
	raw, err := os.ReadFile(directoryFile)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	groups := core.StaticDirectory{}
	if err := yaml.Unmarshal(raw, &groups); err != nil {
		return nil, fmt.Errorf("parse directory %s: %w", directoryFile, err)
	}
	return groups, nil
}

// openEngine builds an engine for a one-shot admin command. Terminal
// callbacks are left to a serving engine.
func openEngine(ctx context.Context) (*approvalflow.Engine, error) {
	directory, err := loadDirectory()
	if err != nil {
		return nil, err
	}
	return approvalflow.New(ctx, approvalflow.Options{Directory: directory, DeferDispatch: true})
}
