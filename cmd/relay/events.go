package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

type eventsOptions struct {
	id        int64
	role      string
	maxDepth  int
	jsonOut   bool
	noPayload bool
}

func newEventsCmd(a *app) *cobra.Command {
	var opts eventsOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the audit event tree of a relay process",
		Long: `Prints the events logged below a process.started root as a tree.
Without --id the most recent root for --role is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := a.openStore()
			if err != nil {
				return err
			}
			defer database.Close()

			rootID := opts.id
			if rootID == 0 {
				if rootID, err = db.LatestProcessRoot(cmd.Context(), database, opts.role); err != nil {
					return err
				}
			}
			root, err := db.EventTree(cmd.Context(), database, rootID)
			if err != nil {
				return err
			}
			p := treePrinter{out: a.out, maxDepth: opts.maxDepth, noPayload: opts.noPayload}
			if opts.jsonOut {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(p.toJSON(root, 1))
			}
			p.print(root)
			return nil
		},
	}
	f := cmd.Flags()
	f.Int64Var(&opts.id, "id", 0, "show subtree of a specific event ID")
	f.StringVar(&opts.role, "role", "server", "process role whose latest root is shown")
	f.IntVarP(&opts.maxDepth, "depth", "L", 0, "limit display depth (0 = unlimited)")
	f.BoolVar(&opts.jsonOut, "json", false, "output JSON format")
	f.BoolVar(&opts.noPayload, "no-payload", false, "hide payload details")
	return cmd
}

const maxValueRunes = 80

// treePrinter renders an event tree. maxDepth 0 means unlimited.
type treePrinter struct {
	out       io.Writer
	maxDepth  int
	noPayload bool
}

func (p treePrinter) print(root *db.Event) {
	p.node(root, nil)
}

// node writes ev and its descendants. lasts holds, for ev and each ancestor
// below the root, whether it is the last of its siblings.
func (p treePrinter) node(ev *db.Event, lasts []bool) {
	fmt.Fprintln(p.out, guide(lasts)+formatEvent(ev, p.noPayload))
	if len(ev.Children) == 0 {
		return
	}
	if p.truncated(len(lasts) + 1) {
		fmt.Fprintln(p.out, guide(append(lasts, true))+"[...]")
		return
	}
	for i, child := range ev.Children {
		p.node(child, append(lasts[:len(lasts):len(lasts)], i == len(ev.Children)-1))
	}
}

func (p treePrinter) truncated(depth int) bool {
	return p.maxDepth > 0 && depth >= p.maxDepth
}

func guide(lasts []bool) string {
	var b strings.Builder
	for i, last := range lasts {
		own := i == len(lasts)-1
		switch {
		case own && last:
			b.WriteString("└── ")
		case own:
			b.WriteString("├── ")
		case last:
			b.WriteString("    ")
		default:
			b.WriteString("│   ")
		}
	}
	return b.String()
}

// formatEvent renders one line: [id] timestamp  event_type  key=value ...
func formatEvent(ev *db.Event, noPayload bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s  %s", ev.ID, time.Unix(ev.Timestamp, 0).UTC().Format(time.DateTime), ev.EventType)
	if noPayload {
		return b.String()
	}
	m := payloadMap(ev)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		b.WriteString("  " + k + "=" + formatValue(m[k]))
	}
	return b.String()
}

func payloadMap(ev *db.Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if json.Unmarshal([]byte(ev.Payload.String), &m) != nil {
		return nil
	}
	return m
}

// formatValue prints strings bare, quoted and cut when long, and everything
// else in its JSON form.
func formatValue(v any) string {
	s, ok := v.(string)
	if !ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
	if utf8.RuneCountInString(s) <= maxValueRunes {
		return s
	}
	return strconv.Quote(string([]rune(s)[:maxValueRunes]) + "...")
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

func (p treePrinter) toJSON(ev *db.Event, depth int) jsonEvent {
	out := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if m := payloadMap(ev); m != nil && !p.noPayload {
		out.Payload = m
	}
	if p.truncated(depth) {
		return out
	}
	out.Children = make([]jsonEvent, 0, len(ev.Children))
	for _, child := range ev.Children {
		out.Children = append(out.Children, p.toJSON(child, depth+1))
	}
	return out
}
