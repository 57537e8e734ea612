package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
)

type askOptions struct {
	profile  string
	name     string
	provider string
	session  string
	jsonOut  bool
}

func newAskCmd(a *app) *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt through the relay and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ask(cmd, strings.Join(args, " "), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.profile, "profile", "", "profile identifier (default \"default\")")
	f.StringVar(&opts.name, "name", "", "profile display name")
	f.StringVar(&opts.provider, "provider", "", "provider name (default from config)")
	f.StringVar(&opts.session, "session", "", "session id to continue")
	f.BoolVar(&opts.jsonOut, "json", false, "print the full response as JSON")
	return cmd
}

func (a *app) ask(cmd *cobra.Command, prompt string, opts askOptions) error {
	database, err := a.openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	rootID, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{
		"role": "cli",
		"pid":  os.Getpid(),
	})
	if err != nil {
		return err
	}
	registry, err := a.registry()
	if err != nil {
		return err
	}
	events := &relay.EventLog{DB: database, Root: rootID, Logger: a.logger}
	svc := relay.NewService(database, registry, a.cfg, a.logger, events)

	resp, err := svc.Submit(cmd.Context(), relay.Request{
		Prompt:            prompt,
		ProfileIdentifier: opts.profile,
		ProfileName:       opts.name,
		Provider:          opts.provider,
		SessionToken:      opts.session,
		UserAgent:         "relay-cli",
	})
	if err != nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(a.out, resp.Answer)
	fmt.Fprintf(a.out, "\n[%s session=%s latency=%dms]\n", resp.Provider, resp.SessionID, resp.LatencyMS)
	return nil
}
