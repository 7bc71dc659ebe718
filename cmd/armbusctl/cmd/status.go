package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, channel, and motor fault status",
	Long:  `Query the daemon's status endpoint and display channel bindings, supervisor state, and any active motor faults.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusResponse struct {
	Uptime   string `json:"uptime"`
	Channels []struct {
		Interface string `json:"interface"`
		Role      string `json:"role"`
		OperState string `json:"operstate"`
		State     string `json:"state"`
	} `json:"channels"`
	Supervisor map[string]struct {
		Arm            string `json:"arm"`
		State          string `json:"state"`
		LadderEpisodes int    `json:"ladder_episodes"`
		Exhausted      bool   `json:"exhausted"`
		Faults         []struct {
			MotorID        int       `json:"motor_id"`
			Classification string    `json:"classification"`
			FirstSeen      time.Time `json:"first_seen"`
			State          string    `json:"state"`
		} `json:"faults"`
	} `json:"supervisor"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/status", GetServerURL())

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to parse status response: %w", err)
	}

	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Printf("Daemon uptime: %s\n\n", status.Uptime)

	fmt.Println("Channels:")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Interface", "Role", "Operstate", "State")
	for _, ch := range status.Channels {
		table.Append([]string{ch.Interface, ch.Role, ch.OperState, ch.State})
	}
	table.Render()

	fmt.Println("\nMotor faults:")
	faultTable := tablewriter.NewWriter(os.Stdout)
	faultTable.Header("Channel", "Motor", "Classification", "State", "Since")
	faultCount := 0
	for name, entry := range status.Supervisor {
		for _, f := range entry.Faults {
			faultCount++
			faultTable.Append([]string{
				name,
				fmt.Sprintf("%d", f.MotorID),
				f.Classification,
				f.State,
				f.FirstSeen.Format(time.RFC3339),
			})
		}
	}
	if faultCount == 0 {
		fmt.Println("  none")
	} else {
		faultTable.Render()
	}

	for name, entry := range status.Supervisor {
		if entry.Exhausted {
			fmt.Printf("\nWARNING: channel %s exhausted its reset ladder budget and is faulted.\n", name)
			fmt.Printf("Run 'armbusctl enable --arm %s' after fixing the hardware.\n", entry.Arm)
		}
	}
	return nil
}
