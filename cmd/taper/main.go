package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

var CLI struct {
	Version kong.VersionFlag

	Serve     ServeCmd     `cmd:"" default:"1" help:"Run the reminder service."`
	Preview   PreviewCmd   `cmd:"" help:"Print the plan of an ad-hoc habit without storing it."`
	Events    EventsCmd    `cmd:"" help:"List stored reminders."`
	VapidKeys VapidKeysCmd `cmd:"" name:"vapid-keys" help:"Generate a VAPID key pair for the webpush sink."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("taper"),
		kong.Description("Reminders that taper a habit down, or ramp it up, over a few weeks."),
		kong.UsageOnError(),
		kong.Vars{"version": "v0.1.0"},
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
