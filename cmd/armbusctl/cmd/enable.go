package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/spf13/cobra"

	"github.com/robo-infra/armbus/pkg/models"
)

var (
	enableArm  string
	enableMode string
)

// enableCmd represents the enable command
var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Trigger motor recovery on an arm",
	Long: `Send an enable request to the daemon's motor supervisor.

Partial mode recovers only motors currently faulted or disabled; full
mode cycles every motor on the arm's chain. An explicit enable request
also clears a channel's reset-ladder exhaustion latch.`,
	RunE: runEnable,
}

func init() {
	rootCmd.AddCommand(enableCmd)
	enableCmd.Flags().StringVar(&enableArm, "arm", "", "arm to recover: left or right (required)")
	enableCmd.Flags().StringVar(&enableMode, "mode", "partial", "recovery mode: partial or full")
	enableCmd.MarkFlagRequired("arm")
}

func runEnable(cmd *cobra.Command, args []string) error {
	side := models.Side(enableArm)
	if !side.Valid() {
		return fmt.Errorf("invalid arm %q, want left or right", enableArm)
	}
	mode := models.EnableMode(enableMode)
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q, want partial or full", enableMode)
	}

	req := models.EnableRequest{
		Type:      "enable",
		Arm:       side,
		Mode:      mode,
		Timestamp: models.Now(),
	}
	payload, err := req.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	socket := zmq4.NewPush(ctx)
	defer socket.Close()

	if err := socket.Dial(GetEnableEndpoint()); err != nil {
		return fmt.Errorf("failed to reach enable channel at %s: %w", GetEnableEndpoint(), err)
	}
	if err := socket.Send(zmq4.NewMsg(payload)); err != nil {
		return fmt.Errorf("failed to send enable request: %w", err)
	}

	fmt.Printf("Enable request sent: arm=%s mode=%s\n", side, mode)
	fmt.Println("Check progress with 'armbusctl status'.")
	return nil
}
