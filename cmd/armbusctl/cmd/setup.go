package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/robo-infra/armbus/internal/canbus"
	"github.com/robo-infra/armbus/internal/config"
	"github.com/robo-infra/armbus/pkg/logging"
)

var setupConfigPath string

// setupCmd represents the setup command
var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Discover, bind, and verify all CAN channels",
	Long: `Enumerate CAN adapters, assign channel roles positionally, bring each
adapter up at the configured bitrate, and verify it with a test frame.

Binding is idempotent: re-running setup cycles each adapter down and up
again at the configured bitrate, so stale settings never survive.
Role assignment follows enumeration order, so swapping USB adapters
between ports swaps their roles. Needs permission to run ip(8).`,
	RunE: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
	setupCmd.Flags().StringVar(&setupConfigPath, "daemon-config", "", "daemon YAML config (defaults used when omitted)")
	verifyCmd.Flags().StringVar(&setupConfigPath, "daemon-config", "", "daemon YAML config (defaults used when omitted)")
}

func loadDaemonConfig() (*config.Config, error) {
	if setupConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(setupConfigPath)
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	log := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), false)
	bus := canbus.NewManager(cfg.Bitrate, log)
	ctx := context.Background()

	adapters, err := bus.AssignRoles(ctx, cfg.ChannelRoles)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Interface", "Role", "Bound", "Verified")
	for _, a := range adapters {
		bound := "yes"
		if err := bus.Bind(ctx, a.Name); err != nil {
			bound = fmt.Sprintf("no: %v", err)
		}

		verified := "yes"
		if err := bus.Verify(ctx, a.Name); err != nil {
			verified = fmt.Sprintf("no: %v", err)
		}
		table.Append([]string{a.Name, a.Role, bound, verified})
	}
	table.Render()
	return nil
}
