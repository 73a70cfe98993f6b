// Command aircast bridges AirPlay receivers to pull-stream media players.
package main

import (
	"os"

	"github.com/aircast-bridge/aircast/cmd/aircast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
