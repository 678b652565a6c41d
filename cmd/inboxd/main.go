package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Samuel-0228/sabimarket/internal/daemon"
	"github.com/Samuel-0228/sabimarket/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	wideFlag := flag.Bool("wide", false, "auto-select the newest conversation on startup")
	demoFlag := flag.Bool("demo", false, "run against a seeded in-memory backend")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName:  sessionName,
			WideViewport: *wideFlag,
			Demo:         *demoFlag,
		}),
	)

	app.Run()
}
