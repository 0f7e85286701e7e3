package main

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/nostrdm/pkg/dmsync"
)

var discoverCommand = &cli.Command{
	Name:   "discover",
	Usage:  "List conversations found on the configured relays",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "requests",
			Usage: "Only show request conversations (partner wrote, you never replied)",
		},
	},
	Action: runDiscover,
}

func runDiscover(ctx *cli.Context) error {
	engine := getEngine(ctx)
	defer engine.Close()

	if cached := engine.CachedConversations(); len(cached) > 0 {
		fmt.Printf("%d conversations cached from a previous run, rescanning...\n", len(cached))
	}

	convs, err := engine.DiscoverConversations(ctx.Context)
	if err != nil {
		return err
	}

	shown := 0
	for _, conv := range convs {
		if ctx.Bool("requests") && !conv.Request {
			continue
		}
		shown++
		fmt.Printf("%s  %s\n", formatPartner(conv.Partner), describeConversation(conv))
	}
	fmt.Printf("%d conversations\n", shown)
	return nil
}

func describeConversation(conv *dmsync.Conversation) string {
	kind := "known"
	if conv.Request {
		kind = "request"
	}
	protocols := ""
	if conv.HasLegacy {
		protocols += "L"
	}
	if conv.HasSealed {
		protocols += "S"
	}
	preview := "(no decrypted content yet)"
	if conv.LastMessage != nil {
		preview = conv.LastMessage.Content
		if len(preview) > 60 {
			preview = preview[:57] + "..."
		}
		if conv.LastMessageFromSelf {
			preview = "you: " + preview
		}
	}
	return fmt.Sprintf("[%s/%s] %s  %s", kind, protocols, conv.LastActivity.Time().Format("2006-01-02 15:04"), preview)
}

func formatPartner(pubkey string) string {
	if npub, err := nip19.EncodePublicKey(pubkey); err == nil {
		return npub[:20] + "..."
	}
	return pubkey
}
