package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baremetal-lab/inspector/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample inspectord configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/inspector/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  inspectord init

  # Initialize with custom path
  inspectord init --config /etc/inspector/config.yaml

  # Force overwrite existing config
  inspectord init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		// Use custom path
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		// Use default path
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to point at your registry")
	fmt.Println("  2. Start the service with: inspectord start")
	fmt.Printf("  3. Or specify custom config: inspectord start --config %s\n", configPath)

	return nil
}
