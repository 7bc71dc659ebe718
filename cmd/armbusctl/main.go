package main

import (
	"os"

	"github.com/robo-infra/armbus/cmd/armbusctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
