package main

import (
	"github.com/austindbirch/flowhook/cmd/event-logger/cmd"
	"github.com/austindbirch/flowhook/internal/logging"
)

func main() {
	if err := cmd.Execute(); err != nil {
		logging.Plain().WithError(err).Fatal("event-logger failed")
	}
}
