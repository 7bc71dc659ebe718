package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/robo-infra/armbus/internal/canbus"
	"github.com/robo-infra/armbus/pkg/logging"
)

// verifyCmd represents the verify command
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every CAN adapter without reconfiguring anything",
	Long: `Check each discovered CAN adapter: operstate must read "up" and a
test frame must transmit. No adapter is reconfigured.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	log := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), false)
	bus := canbus.NewManager(cfg.Bitrate, log)
	ctx := context.Background()

	adapters, err := bus.Enumerate(ctx)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no CAN adapters found")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Interface", "Operstate", "Healthy")

	failures := 0
	for _, a := range adapters {
		healthy := "yes"
		if err := bus.Verify(ctx, a.Name); err != nil {
			healthy = fmt.Sprintf("no: %v", err)
			failures++
		}
		table.Append([]string{a.Name, a.OperState, healthy})
	}
	table.Render()

	if failures > 0 {
		return fmt.Errorf("%d of %d adapters unhealthy", failures, len(adapters))
	}
	return nil
}
