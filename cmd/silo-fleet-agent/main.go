package main

import (
	"fmt"
	"log/slog"
	"os"
)

var AppVersion string

const usage = `Usage: silo-fleet-agent <command> [flags]

Commands:
  enroll   exchange an enrollment token for a node identity
  run      send heartbeats and renew the client certificate
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	InitConfig()
	slog.Info("Silo Fleet Agent", "version", AppVersion)

	var err error
	switch os.Args[1] {
	case "enroll":
		err = runEnroll(os.Args[2:])
	case "run":
		err = runAgent(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}
