package main

import (
	"fmt"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/fatih/color"
)

type VapidKeysCmd struct{}

func (c *VapidKeysCmd) Run() error {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return fmt.Errorf("generate vapid keys: %w", err)
	}
	bold := color.New(color.Bold)
	bold.Fprint(color.Output, "public_key:  ")
	fmt.Fprintln(color.Output, pub)
	bold.Fprint(color.Output, "private_key: ")
	fmt.Fprintln(color.Output, priv)
	color.New(color.Faint).Fprintln(color.Output, "Put both under notifier.webpush; hand the public key to the browser's PushManager.subscribe().")
	return nil
}
