package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"acsd/internal/acs"
	"acsd/internal/logger"
)

var (
	serveConfigPath string
	serveDebugFlag  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ACS daemon",
	Long: `Start the Auto Configuration Server daemon. The daemon listens for CWMP
sessions from CPEs, registers devices as they announce themselves and serves
each device its queued management operations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.SetSilentMode(false)
		if serveDebugFlag || verbose {
			logger.SetLevel("debug")
		} else {
			logger.SetLevel("info")
		}

		log := logger.New()
		log.Info().
			Str("config_path", serveConfigPath).
			Bool("debug", serveDebugFlag).
			Msg("Starting ACS daemon")

		// First run: write a default config and ask the operator to edit it.
		if _, err := os.Stat(serveConfigPath); os.IsNotExist(err) {
			defaultConfig := acs.NewDefaultConfig()
			if err := acs.SaveConfig(defaultConfig, serveConfigPath); err != nil {
				log.Error().Err(err).Msg("Failed to create default config file")
				return fmt.Errorf("failed to create default config file: %w", err)
			}
			log.Info().
				Str("config_path", serveConfigPath).
				Msg("Created default configuration file. Please edit it with your settings.")
			return nil
		}

		config, err := acs.LoadConfig(serveConfigPath)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load configuration")
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		server, err := acs.NewServer(config)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create ACS server")
			return fmt.Errorf("failed to create ACS server: %w", err)
		}

		// Blocks until shutdown.
		if err := server.Run(); err != nil {
			log.Error().Err(err).Msg("ACS daemon stopped with error")
			return fmt.Errorf("acs daemon error: %w", err)
		}

		return nil
	},
}

var serveConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ACS configuration",
	Long:  `Generate or validate ACS configuration files.`,
}

var serveConfigGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := serveConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		defaultConfig := acs.NewDefaultConfig()
		if err := acs.SaveConfig(defaultConfig, configPath); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", configPath)
		cmd.Println("Please edit the file with your actual ACS settings.")
		return nil
	},
}

var serveConfigValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := serveConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		config, err := acs.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", configPath)
		cmd.Printf("Listen address: %s\n", config.Server.Address)
		cmd.Printf("Database path: %s\n", config.Database.Path)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "acsd.yml", "Path to ACS configuration file")
	serveCmd.Flags().BoolVarP(&serveDebugFlag, "debug", "d", false, "Enable debug logging")

	serveCmd.AddCommand(serveConfigCmd)
	serveConfigCmd.AddCommand(serveConfigGenerateCmd)
	serveConfigCmd.AddCommand(serveConfigValidateCmd)

	serveConfigGenerateCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "acsd.yml", "Path for generated configuration file")
	serveConfigValidateCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "acsd.yml", "Path to configuration file to validate")
}
