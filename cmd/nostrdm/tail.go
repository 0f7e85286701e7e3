package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/nostrdm/pkg/dmsync"
)

var tailCommand = &cli.Command{
	Name:      "tail",
	Usage:     "Print a conversation and follow it live",
	ArgsUsage: "<npub or hex pubkey>",
	Before:    prepareApp,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "pages",
			Usage: "Extra history pages to load before following",
			Value: 0,
		},
	},
	Action: runTail,
}

func runTail(ctx *cli.Context) error {
	engine := getEngine(ctx)
	defer engine.Close()

	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: nostrdm tail <npub>")
	}
	partner, err := decodePartner(ctx.Args().First())
	if err != nil {
		return err
	}

	page, err := engine.GetMessages(ctx.Context, partner, nil)
	if err != nil {
		return err
	}
	for i := 0; i < ctx.Int("pages") && page.HasMore; i++ {
		page, err = engine.LoadOlder(ctx.Context, partner)
		if err != nil {
			return err
		}
	}

	printed := make(map[string]struct{})
	for _, msg := range page.Messages {
		printMessage(engine.Self(), msg)
		printed[messageKey(msg)] = struct{}{}
	}

	if err := engine.OpenLive(ctx.Context, partner); err != nil {
		return err
	}
	defer engine.CloseLive(partner)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-interrupt:
			return nil
		case <-ctx.Context.Done():
			return nil
		case <-ticker.C:
			current, err := engine.GetMessages(ctx.Context, partner, nil)
			if err != nil {
				return err
			}
			for _, msg := range current.Messages {
				key := messageKey(msg)
				if _, ok := printed[key]; ok {
					continue
				}
				printed[key] = struct{}{}
				printMessage(engine.Self(), msg)
			}
		}
	}
}

func messageKey(msg *dmsync.DecryptedMessage) string {
	if msg.ID != "" {
		return msg.ID
	}
	return "local:" + msg.LocalID
}

func printMessage(self string, msg *dmsync.DecryptedMessage) {
	who := formatPartner(msg.Author)
	if msg.Author == self {
		who = "you"
	}
	marker := ""
	switch msg.SendState {
	case dmsync.SendStateOptimistic:
		marker = " (sending)"
	case dmsync.SendStateFailed:
		marker = " (FAILED: " + msg.SendError + ")"
	}
	fmt.Printf("%s  %s [%s]%s: %s\n",
		msg.CreatedAt.Time().Format("2006-01-02 15:04:05"),
		who, msg.Protocol, marker, msg.Content)
}
