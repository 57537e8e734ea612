package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

const promptPreview = 60

func newReportCmd(a *app) *cobra.Command {
	var (
		profile string
		session string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print profile, session and turn statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := a.openStore()
			if err != nil {
				return err
			}
			defer database.Close()

			report, err := db.BuildReport(cmd.Context(), database, db.ReportFilter{Profile: profile, Session: session})
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printReport(a.out, report)
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "restrict sessions and turns to a profile (case-insensitive)")
	cmd.Flags().StringVar(&session, "session", "", "restrict turns to a session id")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON format")
	return cmd
}

func printReport(out io.Writer, r *db.Report) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "PROFILES")
	fmt.Fprintln(w, "IDENTIFIER\tNAME\tTURNS\tTOKENS\tLAST ACTIVITY")
	for _, p := range r.Profiles {
		last := "-"
		if p.LastActivity != nil {
			last = formatTime(*p.LastActivity)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", p.Identifier, p.DisplayName, p.TotalTurns, p.TotalTokens, last)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "SESSIONS")
	fmt.Fprintln(w, "SESSION\tPROFILE\tPROVIDER\tTURNS\tTOKENS\tLAST TURN")
	for _, s := range r.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", s.SessionID, s.ProfileIdentifier, s.Provider, s.TotalTurns, s.TotalTokens, formatTime(s.LastTurnAt))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "TURNS")
	fmt.Fprintln(w, "ID\tPROFILE\tPROVIDER\tTOKENS\tLATENCY\tCREATED\tPROMPT")
	for _, t := range r.Turns {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%dms\t%s\t%s\n", t.ID, t.ProfileIdentifier, t.Provider, t.TotalTokens, t.LatencyMS, formatTime(t.CreatedAt), preview(t.Prompt))
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// preview flattens s to one line, cut at promptPreview runes.
func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > promptPreview {
		return string(r[:promptPreview]) + "..."
	}
	return s
}
