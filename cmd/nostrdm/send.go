package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/nostrdm/pkg/dmsync"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send an encrypted direct message",
	ArgsUsage: "<npub or hex pubkey> <text>",
	Before:    prepareApp,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "protocol",
			Usage: "\"legacy\", \"sealed\" or \"auto\"",
			Value: "auto",
		},
	},
	Action: runSend,
}

func runSend(ctx *cli.Context) error {
	engine := getEngine(ctx)
	defer engine.Close()

	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: nostrdm send <npub> <text>")
	}
	partner, err := decodePartner(ctx.Args().Get(0))
	if err != nil {
		return err
	}

	var proto dmsync.Protocol
	switch ctx.String("protocol") {
	case "legacy":
		proto = dmsync.ProtocolLegacy
	case "sealed":
		proto = dmsync.ProtocolSealed
	case "auto":
		proto = dmsync.ProtocolAuto
	default:
		return fmt.Errorf("unknown protocol %q", ctx.String("protocol"))
	}

	msg, err := engine.SendMessage(ctx.Context, partner, ctx.Args().Get(1), proto)
	if err != nil {
		return err
	}
	fmt.Printf("sent via %s protocol (state: %s)\n", msg.Protocol, msg.SendState)
	return nil
}
