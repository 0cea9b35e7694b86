package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/remoteagent/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)

	configListCmd.Flags().Bool("show-secrets", false, "print tokens and secrets unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		reveal, _ := cmd.Flags().GetBool("show-secrets")
		values, err := config.ListValues(cfg, !reveal)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		table := ui.Table([]string{"Key", "Value"})
		for _, k := range config.SortedKeys(values) {
			_ = table.Append([]string{k, fmt.Sprint(values[k])})
		}
		return table.Render()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Ensure defaults exist on first use.
		loadConfig()
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		if config.IsSecretKey(args[0]) {
			val = config.MaskSecrets(map[string]any{args[0]: val})[args[0]]
		}
		ui.Println(val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		loadConfig()
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		display := args[1]
		if config.IsSecretKey(args[0]) {
			display = "***"
		}
		ui.Success("Set %s = %s", args[0], display)
		return nil
	},
}
