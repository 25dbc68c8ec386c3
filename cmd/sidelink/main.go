// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// sidelink is a two-party chat and file-sharing CLI over a direct
// WebRTC data channel. No account, no signaling server: descriptors
// are exchanged out of band as compressed strings (or short relay
// URLs when a blob relay is configured), and everything after the
// handshake flows peer to peer.
//
// Verbs:
//
//	sidelink offer          start a call and print the offer descriptor
//	sidelink join <input>   answer an offer (encoded string or relay URL)
//	sidelink history        list stored call records and chat snapshots
//	sidelink albums         list stored albums and their files
//
// During a call, lines read from stdin are sent as chat messages;
// lines starting with "/" are commands (type /help).
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/sidelink/sidelink/client"
	"github.com/sidelink/sidelink/lib/config"
	"github.com/sidelink/sidelink/relay"
	"github.com/sidelink/sidelink/session"
	"github.com/sidelink/sidelink/storage"
	"github.com/sidelink/sidelink/telemetry"
	"github.com/sidelink/sidelink/transfer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var username string
	var verbose bool

	flagSet := pflag.NewFlagSet("sidelink", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default: $SIDELINK_CONFIG)")
	flagSet.StringVar(&username, "name", "", "display name (overrides config)")
	flagSet.BoolVar(&verbose, "verbose", false, "log debug records to stderr")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if username != "" {
		cfg.Username = username
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(flagSet)
		return fmt.Errorf("missing verb")
	}

	switch args[0] {
	case "offer":
		return runCall(cfg, logger, "")
	case "join":
		if len(args) < 2 {
			return fmt.Errorf("join needs the peer's descriptor or relay URL")
		}
		return runCall(cfg, logger, args[1])
	case "history":
		return runHistory(cfg, logger)
	case "albums":
		return runAlbums(cfg, logger)
	default:
		return fmt.Errorf("unknown verb %q", args[0])
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Sidelink — serverless two-party chat and file sharing.

Usage:
  sidelink [flags] offer
  sidelink [flags] join <descriptor-or-url>
  sidelink [flags] history
  sidelink [flags] albums

"offer" prints a descriptor to send to your peer (paste, QR, any
channel). The peer runs "join" with it and sends the printed answer
back; paste that answer to complete the handshake.

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

// openStore opens the configured database, creating its directory
// first.
func openStore(cfg *config.Config, logger *slog.Logger) (*storage.Store, error) {
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return storage.Open(cfg.Storage.Path, logger)
}

// buildClient assembles a client from the config.
func buildClient(cfg *config.Config, logger *slog.Logger, store *storage.Store) *client.Client {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICE.Servers))
	for _, server := range cfg.ICE.Servers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}

	var exchange relay.Exchange
	if cfg.Relay.BaseURL != "" {
		exchange = relay.NewClient(cfg.Relay.BaseURL, &http.Client{Timeout: cfg.Relay.Timeout}, logger)
	}

	return client.New(client.Config{
		Username:      cfg.Username,
		ICEServers:    servers,
		Relay:         exchange,
		Store:         store,
		Logger:        logger,
		GatherTimeout: cfg.ICE.GatherTimeout,
		PresenceDecay: cfg.Timing.PresenceDecay,
		StatsInterval: cfg.Timing.StatsInterval,
		Autosave:      cfg.Timing.ChatAutosave,
		ChunkSize:     cfg.Transfer.ChunkSize,
		Watermark:     cfg.Transfer.Watermark,
		PollInterval:  cfg.Transfer.PollInterval,
		MaxFileSize:   cfg.Transfer.MaxFileSize,
		Hooks: client.Hooks{
			OnLinkState: func(state webrtc.PeerConnectionState) {
				fmt.Fprintf(os.Stderr, "[link %s]\n", state)
			},
		},
	})
}

// runCall runs one call end to end: handshake, interactive loop,
// teardown. An empty join input means we are the offerer.
func runCall(cfg *config.Config, logger *slog.Logger, joinInput string) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	c := buildClient(cfg, logger, store)
	defer c.Close()

	ctx := context.Background()
	stdin := bufio.NewScanner(os.Stdin)
	stdin.Buffer(make([]byte, 1024*1024), 1024*1024)

	if joinInput == "" {
		offer, err := c.CreateOffer(ctx)
		if err != nil {
			return err
		}
		printExport("offer", offer)

		fmt.Fprintln(os.Stderr, "Paste the peer's answer:")
		if !stdin.Scan() {
			return fmt.Errorf("no answer received on stdin")
		}
		if _, err := c.ApplyRemote(ctx, stdin.Text()); err != nil {
			return err
		}
	} else {
		answer, err := c.ApplyRemote(ctx, joinInput)
		if err != nil {
			return err
		}
		printExport("answer", answer)
	}

	fmt.Fprintln(os.Stderr, "Connected once the link state reads connected. Type /help for commands.")
	return chatLoop(ctx, c, stdin)
}

func printExport(kind string, export session.Export) {
	fmt.Fprintf(os.Stderr, "Send this %s to your peer:\n\n", kind)
	fmt.Println(export.Encoded)
	if export.URL != "" {
		fmt.Fprintf(os.Stderr, "\nOr the short link:\n")
		fmt.Println(export.URL)
	}
}

// chatLoop reads stdin until /quit or EOF. Plain lines are chat;
// slash-prefixed lines are commands.
func chatLoop(ctx context.Context, c *client.Client, stdin *bufio.Scanner) error {
	for stdin.Scan() {
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if c.SendChat(line) == "" {
				fmt.Fprintln(os.Stderr, "[not connected, message dropped]")
			}
			continue
		}

		verb, rest, _ := strings.Cut(line[1:], " ")
		rest = strings.TrimSpace(rest)
		switch verb {
		case "help":
			fmt.Fprintln(os.Stderr, `Commands:
  /file <path> [album-id]   send a file
  /album <name>             create and share an album
  /mute                     toggle mute (mirrored to peer)
  /video                    toggle video (mirrored to peer)
  /clear                    clear the chat on both sides
  /stats                    show the latest link stats
  /log                      dump the chat log
  /quit                     end the call`)

		case "file":
			path, albumID, _ := strings.Cut(rest, " ")
			if path == "" {
				fmt.Fprintln(os.Stderr, "[usage: /file <path> [album-id]]")
				continue
			}
			if err := sendFile(c, path, strings.TrimSpace(albumID)); err != nil {
				fmt.Fprintf(os.Stderr, "[file send failed: %v]\n", err)
			}

		case "album":
			if rest == "" {
				fmt.Fprintln(os.Stderr, "[usage: /album <name>]")
				continue
			}
			album, err := c.CreateAlbum(ctx, rest)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[album create failed: %v]\n", err)
				continue
			}
			fmt.Fprintf(os.Stderr, "[album %s created: %s]\n", album.Name, album.ID)

		case "mute":
			c.Mute()
			fmt.Fprintf(os.Stderr, "[muted: %v]\n", c.Muted())

		case "video":
			c.VideoOff()
			fmt.Fprintf(os.Stderr, "[video off: %v]\n", c.VideoDisabled())

		case "clear":
			c.ClearChat()

		case "stats":
			printSample(c.LastSample())

		case "log":
			for _, entry := range c.ChatEntries() {
				marker := " "
				if entry.Pinned {
					marker = "*"
				}
				text := entry.Text
				if entry.Deleted {
					text = "(deleted)"
				}
				fmt.Fprintf(os.Stderr, "%s %s <%s> %s\n", marker, entry.ID, entry.From, text)
			}

		case "quit":
			c.EndCall(ctx)
			return nil

		default:
			fmt.Fprintf(os.Stderr, "[unknown command /%s, try /help]\n", verb)
		}
	}

	c.EndCall(ctx)
	return stdin.Err()
}

// sendFile opens path and hands it to the transfer engine, reporting
// progress until the transfer reaches a terminal state.
func sendFile(c *client.Client, path, albumID string) error {
	source, err := transfer.OpenFile(path)
	if err != nil {
		return err
	}

	transferID, err := c.SendFile(source, albumID)
	if err != nil {
		source.Close()
		return err
	}
	fmt.Fprintf(os.Stderr, "[sending %s as %s]\n", source.Name(), transferID)

	go func() {
		defer source.Close()
		for {
			status, ok := c.TransferStatus(transferID)
			if !ok {
				return
			}
			switch status.State {
			case transfer.StateDone:
				fmt.Fprintf(os.Stderr, "[%s sent]\n", source.Name())
				return
			case transfer.StateError:
				fmt.Fprintf(os.Stderr, "[%s failed: %s]\n", source.Name(), status.Err)
				return
			case transfer.StateCancelled:
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()
	return nil
}

func printSample(sample telemetry.Sample) {
	fmt.Fprintf(os.Stderr, "[up %d kbps, down %d kbps, %d packets lost, rtt %s]\n",
		sample.UpKbps, sample.DownKbps, sample.PacketsLost, sample.RTT)
}

// runHistory prints stored call records and chat snapshots.
func runHistory(cfg *config.Config, logger *slog.Logger) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	calls, err := store.ListRecentCalls(ctx, 50)
	if err != nil {
		return err
	}
	if len(calls) == 0 {
		fmt.Println("No calls recorded.")
	}
	for _, call := range calls {
		started := time.UnixMilli(call.StartedAt)
		duration := time.Duration(call.EndedAt-call.StartedAt) * time.Millisecond
		fmt.Printf("%s  %-16s %8s  %d messages\n",
			started.Format("2006-01-02 15:04"), call.Peer, duration.Round(time.Second), call.Messages)
	}

	snapshots, err := store.ListChatHistory(ctx, 50)
	if err != nil {
		return err
	}
	for _, snapshot := range snapshots {
		fmt.Printf("\nChat with %s (%s):\n", snapshot.Peer,
			time.UnixMilli(snapshot.SavedAt).Format("2006-01-02 15:04"))
		for _, entry := range snapshot.Entries {
			if entry.Deleted {
				continue
			}
			fmt.Printf("  <%s> %s\n", entry.From, entry.Text)
		}
	}
	return nil
}

// runAlbums prints stored albums and the files attached to each.
func runAlbums(cfg *config.Config, logger *slog.Logger) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	albums, err := store.ListAlbums(ctx)
	if err != nil {
		return err
	}
	if len(albums) == 0 {
		fmt.Println("No albums.")
		return nil
	}
	for _, album := range albums {
		fmt.Printf("%s  %q by %s\n", album.ID, album.Name, album.Owner)
		files, err := store.ListFilesForAlbum(ctx, album.ID)
		if err != nil {
			return err
		}
		for _, file := range files {
			fmt.Printf("    %s  %s (%d bytes, %s)\n",
				file.ID, file.Meta.Name, file.Meta.Size, file.Meta.Mime)
		}
	}
	return nil
}
