package main

import (
	"errors"
	"os"

	"github.com/austindbirch/flowhook/cmd/trigger/cmd"
	"github.com/austindbirch/flowhook/internal/logging"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// dispatch failures are logged where they happen
		if !errors.Is(err, cmd.ErrDispatchFailed) {
			logging.Plain().WithError(err).Error("trigger failed")
		}
		os.Exit(1)
	}
}
