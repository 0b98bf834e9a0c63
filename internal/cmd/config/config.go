// Package config provides CLI commands for inspecting oxyrun configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/oxyrun/internal/config"
)

// projectConfigFile is the name init writes into the project directory.
const projectConfigFile = "oxyrun.yaml"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View oxyrun configuration",
	Long: `View oxyrun configuration.

Use 'config show' to print the effective configuration, 'config path' to
see which file it was read from, and 'config init' to write a config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file in use",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current settings",
	Long: `Write oxyrun.yaml into the project directory with every setting and its
current value. With --global the file is written to the user config directory.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().Bool("global", false, "write to the user config directory")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

// settings returns the effective configuration without CLI-only keys.
func settings() map[string]any {
	all := viper.AllSettings()
	delete(all, "config")
	return all
}

func writeSettings(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings()); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}
	return writeSettings(out)
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintln(out, used)
		return nil
	}
	fmt.Fprintf(out, "%s (not found)\n", appconfig.ConfigFile())
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	global, _ := cmd.Flags().GetBool("global")
	force, _ := cmd.Flags().GetBool("force")

	target := projectConfigFile
	if global {
		target = appconfig.ConfigFile()
	} else if root := viper.GetString("project.root"); root != "" {
		target = filepath.Join(root, projectConfigFile)
	}

	if _, err := os.Stat(target); err == nil && !force {
		return fmt.Errorf("config file already exists at %s\nUse --force to overwrite it", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintln(f, "# oxyrun configuration")
	fmt.Fprintln(f, "# Every key can be overridden with OXYRUN_<SECTION>_<KEY>, e.g. OXYRUN_DEV_PORT.")
	if err := writeSettings(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", target)
	return nil
}
