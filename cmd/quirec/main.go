package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/InsulaLabs/quire/agent"
	"github.com/InsulaLabs/quire/client"
	"github.com/InsulaLabs/quire/config"
	"github.com/InsulaLabs/quire/models"
	"github.com/fatih/color"
)

var (
	logger     *slog.Logger
	configPath string
	originURL  string
	relayURL   string
	appID      string
	verbose    bool
	cfg        *config.Config
)

func init() {
	flag.StringVar(&configPath, "config", "quire.yaml", "Path to the configuration file")
	flag.StringVar(&originURL, "origin", "", "Origin base URL. Defaults to origin.httpBinding from the config.")
	flag.StringVar(&relayURL, "relay", "", "Relay base URL. Defaults to relay.httpBinding from the config.")
	flag.StringVar(&appID, "app", "", "App id used for publishing. Defaults to origin.appId from the config.")
	flag.BoolVar(&verbose, "verbose", false, "Log at debug level")
}

func main() {
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var err error
	cfg, err = config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s Failed to load %s: %s\n", color.RedString("Error:"), color.CyanString(configPath), err)
		os.Exit(1)
	}
	if originURL == "" {
		originURL = "http://" + cfg.Origin.HttpBinding
	}
	if relayURL == "" {
		relayURL = "http://" + cfg.Relay.HttpBinding
	}
	if appID == "" {
		appID = cfg.Origin.AppID
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "get":
		handleGet(cmdArgs)
	case "list":
		handleList(cmdArgs)
	case "edit":
		handleEdit(cmdArgs)
	case "publish":
		handlePublish(cmdArgs)
	case "subscribe":
		handleSubscribe(cmdArgs)
	case "watch":
		handleWatch(cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "%s Unknown command '%s'\n", color.RedString("Error:"), color.CyanString(command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: quirec [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("get"), color.CyanString("<document-id>"))
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("list"))
	fmt.Fprintf(os.Stderr, "  %s %s %s %s\n", color.GreenString("edit"), color.CyanString("<document-id>"), color.CyanString("<title>"), color.CyanString("<content-json>"))
	fmt.Fprintf(os.Stderr, "  %s %s %s %s\n", color.GreenString("publish"), color.CyanString("<channel[,channel...]>"), color.CyanString("<event>"), color.CyanString("<data-json>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("subscribe"), color.CyanString("<channel>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("watch"), color.CyanString("<document-id>"))
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
	os.Exit(1)
}

func requireArgs(command string, args []string, n int, shape string) {
	if len(args) != n {
		fmt.Fprintf(os.Stderr, "%s %s requires %s\n", color.RedString("Error:"), color.GreenString(command), color.CyanString(shape))
		printUsage()
		os.Exit(1)
	}
}

func newClient(baseURL string) *client.Client {
	c, err := client.NewClient(&client.Config{
		BaseURL: baseURL,
		Timeout: cfg.Agent.RequestTimeout,
		Logger:  logger.WithGroup("client"),
	})
	if err != nil {
		fail(err)
	}
	return c
}

// signalContext is cancelled on interrupt or terminate.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// jsonArg accepts a JSON value or, failing that, treats the argument as a
// plain string.
func jsonArg(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	encoded, _ := json.Marshal(arg)
	return encoded
}

func printDocument(doc *models.Document) {
	fmt.Printf("%s %s\n", color.GreenString("id:"), doc.ID)
	fmt.Printf("%s %s\n", color.GreenString("title:"), doc.Title)
	fmt.Printf("%s %d (%s)\n", color.GreenString("updated_at:"), doc.UpdatedAt, time.UnixMilli(doc.UpdatedAt).Format(time.RFC3339))
	fmt.Printf("%s %s\n", color.GreenString("content:"), string(doc.Content))
}

func handleGet(args []string) {
	requireArgs("get", args, 1, "<document-id>")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Agent.RequestTimeout)
	defer cancel()

	doc, err := newClient(originURL).GetDocument(ctx, args[0])
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "%s Document '%s' not found.\n", color.RedString("Error:"), color.CyanString(args[0]))
			os.Exit(1)
		}
		fail(err)
	}
	printDocument(doc)
}

func handleList(args []string) {
	requireArgs("list", args, 0, "no arguments")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Agent.RequestTimeout)
	defer cancel()

	ids, err := newClient(originURL).ListDocuments(ctx)
	if err != nil {
		fail(err)
	}
	if len(ids) == 0 {
		color.HiYellow("No documents")
		return
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}

func handleEdit(args []string) {
	requireArgs("edit", args, 3, "<document-id> <title> <content-json>")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Agent.RequestTimeout)
	defer cancel()

	resp, err := newClient(originURL).UpdateDocument(ctx, args[0], models.UpdateRequest{
		Title:   args[1],
		Content: jsonArg(args[2]),
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s %s updated_at=%d\n", color.GreenString("OK"), resp.ID, resp.UpdatedAt)
}

func handlePublish(args []string) {
	requireArgs("publish", args, 3, "<channel[,channel...]> <event> <data-json>")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Agent.RequestTimeout)
	defer cancel()

	req := models.PublishRequest{
		Channels: strings.Split(args[0], ","),
		Name:     args[1],
		Data:     jsonArg(args[2]),
	}
	if err := newClient(relayURL).Publish(ctx, appID, req); err != nil {
		fail(err)
	}
	fmt.Println(color.GreenString("OK"))
}

func handleSubscribe(args []string) {
	requireArgs("subscribe", args, 1, "<channel>")
	channel := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	cb := func(frame models.Frame) {
		fmt.Printf("%s %s %s\n", color.CyanString(frame.Channel), color.GreenString(frame.Event), string(frame.Data))
	}

	err := newClient(relayURL).SubscribeToEvents(ctx, channel, cfg.Agent.SubscribeTimeout, cb)
	if err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
}

// handleWatch keeps a local buffer in sync with a document. Every line read
// from stdin replaces the content with that line.
func handleWatch(args []string) {
	requireArgs("watch", args, 1, "<document-id>")
	id := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	origin := newClient(originURL)
	buf := agent.NewBuffer(id, nil)
	if doc, err := origin.GetDocument(ctx, id); err == nil {
		buf = agent.NewBuffer(doc.Title, models.UnwrapJSON(doc.Content))
		printDocument(doc)
	} else if !errors.Is(err, client.ErrNotFound) {
		fail(err)
	}

	a, err := agent.New(buf, agent.Options{
		DocumentID: id,
		Origin:     origin,
		Relay: &agent.RelayListener{
			Client:           newClient(relayURL),
			Path:             "app/" + appID,
			SubscribeTimeout: cfg.Agent.SubscribeTimeout,
		},
		Config:    cfg.Agent,
		Logger:    logger,
		EventName: cfg.Origin.EventName,
		Hooks: agent.Hooks{
			OnStatus: func(status agent.Status, err error) {
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString(string(status)), err)
					return
				}
				fmt.Fprintln(os.Stderr, color.HiBlackString(string(status)))
			},
			OnRemoteUpdate: func(snap models.Snapshot) {
				fmt.Printf("%s %s %s\n", color.CyanString("remote"), snap.Title, string(snap.Content))
			},
		},
	})
	if err != nil {
		fail(err)
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			buf.Edit(jsonArg(scanner.Text()))
		}
	}()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.Agent.RequestTimeout)
	defer cancelFlush()
	if a.State().Modified {
		if err := a.Push(flushCtx); err != nil {
			fail(err)
		}
	}
}
