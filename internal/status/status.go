// Package status summarises the coordinator's state: task counts, workers,
// stale tasks, live sessions and undelivered mail.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/msageha/troupe/internal/board"
	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/model"
	"github.com/msageha/troupe/internal/pattern"
	"github.com/msageha/troupe/internal/router"
	"github.com/msageha/troupe/internal/uds"
)

type Report struct {
	Daemon      DaemonStatus         `json:"daemon"`
	Counts      map[model.Status]int `json:"counts"`
	Tasks       []model.TaskEntry    `json:"tasks,omitempty"`
	Stale       []string             `json:"stale,omitempty"`
	Workers     []WorkerRow          `json:"workers,omitempty"`
	Sessions    []SessionRow         `json:"sessions,omitempty"`
	DeadLetters int                  `json:"dead_letters"`
	Events      []EventRow           `json:"events,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

type WorkerRow struct {
	ID           string             `json:"id"`
	Role         model.Role         `json:"role"`
	Reachability model.Reachability `json:"reachability"`
	ReplacedBy   string             `json:"replaced_by,omitempty"`
	Owned        int                `json:"owned"`
	Pending      int                `json:"pending"`
	Sent         int                `json:"sent"`
}

type EventRow struct {
	Time   time.Time `json:"time"`
	Type   string    `json:"type"`
	Detail string    `json:"detail,omitempty"`
}

type SessionRow struct {
	ID         string           `json:"id"`
	Protocol   model.Protocol   `json:"protocol"`
	Phase      model.Phase      `json:"phase"`
	Round      int              `json:"round"`
	Confidence model.Confidence `json:"confidence,omitempty"`
}

// Sources are the live components a report is collected from. Sessions and
// Recent may be nil.
type Sources struct {
	Board          *board.Board
	Router         *router.Router
	Sessions       *pattern.Engine
	Recent         *events.Recent
	StaleThreshold int
}

// maxEvents bounds the events a report carries.
const maxEvents = 10

// Collect builds a report from the live components.
func Collect(src Sources) Report {
	r := Report{Counts: src.Board.Counts()}
	owned := make(map[string]int)
	for t := range src.Board.ListTasks(board.Filter{}) {
		r.Tasks = append(r.Tasks, t)
		if t.Owner != "" && !model.IsTerminal(t.Status) {
			owned[t.Owner]++
		}
		if t.Status == model.StatusInProgress && src.Board.Stale(t.ID, src.StaleThreshold) {
			r.Stale = append(r.Stale, t.ID)
		}
	}
	for _, w := range src.Board.Workers() {
		r.Workers = append(r.Workers, WorkerRow{
			ID:           w.ID,
			Role:         w.Role,
			Reachability: w.Reachability,
			ReplacedBy:   w.ReplacedBy,
			Owned:        owned[w.ID],
			Pending:      src.Router.Pending(w.ID),
			Sent:         src.Router.Sent(w.ID),
		})
	}
	if src.Sessions != nil {
		for _, s := range src.Sessions.Snapshots() {
			r.Sessions = append(r.Sessions, SessionRow{
				ID:         s.ID,
				Protocol:   s.Protocol,
				Phase:      s.Phase,
				Round:      s.Round,
				Confidence: s.Confidence,
			})
		}
	}
	r.DeadLetters = len(src.Router.DeadLetters())
	if src.Recent != nil {
		evs := src.Recent.Events()
		if len(evs) > maxEvents {
			evs = evs[len(evs)-maxEvents:]
		}
		for _, e := range evs {
			r.Events = append(r.Events, EventRow{Time: e.Timestamp, Type: string(e.Type), Detail: detail(e.Data)})
		}
	}
	return r
}

// detail renders event data as sorted key=value pairs.
func detail(data map[string]any) string {
	parts := make([]string, 0, len(data))
	for _, k := range slices.Sorted(maps.Keys(data)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}

// Run asks the daemon in dir for its report and prints it. A daemon that
// does not answer is reported as stopped.
func Run(dir string, jsonOutput bool, w io.Writer) error {
	r := Report{}
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	err := client.Call(context.Background(), "status", nil, &r)
	if err == nil {
		r.Daemon.Running = true
	} else if uds.CodeOf(err) != "" {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	return Render(w, r)
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
)

var statusOrder = []model.Status{
	model.StatusPending,
	model.StatusInProgress,
	model.StatusRetrying,
	model.StatusFailed,
	model.StatusEscalated,
	model.StatusCompleted,
	model.StatusPartialComplete,
}

// Render prints the report as styled text tables.
func Render(w io.Writer, r Report) error {
	var b strings.Builder
	if !r.Daemon.Running {
		b.WriteString(titleStyle.Render("Daemon") + " " + errorStyle.Render("stopped") + "\n")
		_, err := io.WriteString(w, b.String())
		return err
	}
	b.WriteString(titleStyle.Render("Daemon") + " " + runningStyle.Render("running") + "\n\n")

	b.WriteString(titleStyle.Render("Tasks") + "\n")
	var counts []string
	for _, st := range statusOrder {
		counts = append(counts, fmt.Sprintf("%s=%d", st, r.Counts[st]))
	}
	b.WriteString("  " + strings.Join(counts, "  ") + "\n")
	if len(r.Stale) > 0 {
		b.WriteString("  " + warnStyle.Render("stale: "+strings.Join(r.Stale, ", ")) + "\n")
	}

	b.WriteString("\n" + titleStyle.Render("Workers") + "\n")
	if len(r.Workers) == 0 {
		b.WriteString("  " + dimStyle.Render("none") + "\n")
	} else {
		rows := [][]string{{"ID", "ROLE", "STATE", "OWNED", "HELD", "SENT"}}
		for _, wr := range r.Workers {
			state := string(wr.Reachability)
			if wr.ReplacedBy != "" {
				state = "replaced by " + wr.ReplacedBy
			}
			rows = append(rows, []string{wr.ID, string(wr.Role), state,
				fmt.Sprint(wr.Owned), fmt.Sprint(wr.Pending), fmt.Sprint(wr.Sent)})
		}
		writeTable(&b, rows, func(row []string) lipgloss.Style {
			if row[2] != string(model.ReachabilityActive) {
				return warnStyle
			}
			return lipgloss.NewStyle()
		})
	}

	if len(r.Sessions) > 0 {
		b.WriteString("\n" + titleStyle.Render("Sessions") + "\n")
		rows := [][]string{{"ID", "PROTOCOL", "PHASE", "ROUND", "CONFIDENCE"}}
		for _, s := range r.Sessions {
			rows = append(rows, []string{s.ID, string(s.Protocol), string(s.Phase), fmt.Sprint(s.Round), string(s.Confidence)})
		}
		writeTable(&b, rows, func(row []string) lipgloss.Style {
			if row[2] == string(model.PhaseTerminated) {
				return dimStyle
			}
			return lipgloss.NewStyle()
		})
	}

	if len(r.Events) > 0 {
		b.WriteString("\n" + titleStyle.Render("Recent events") + "\n")
		for _, e := range r.Events {
			style := lipgloss.NewStyle()
			switch events.EventType(e.Type) {
			case events.EventEscalated, events.EventWorkerReplaced, events.EventCheckpointFailed, events.EventNotDelivered:
				style = warnStyle
			}
			b.WriteString("  " + dimStyle.Render(e.Time.Format(time.TimeOnly)) + " " + style.Render(e.Type) + " " + e.Detail + "\n")
		}
	}

	if r.DeadLetters > 0 {
		b.WriteString("\n" + errorStyle.Render(fmt.Sprintf("%d message(s) not delivered", r.DeadLetters)) + "\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// writeTable pads every column to its widest cell. The first row is the
// header.
func writeTable(b *strings.Builder, rows [][]string, style func([]string) lipgloss.Style) {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	for i, row := range rows {
		cells := slices.Clone(row)
		for j, cell := range cells {
			cells[j] = cell + strings.Repeat(" ", widths[j]-lipgloss.Width(cell))
		}
		line := strings.TrimRight(strings.Join(cells, "  "), " ")
		if i == 0 {
			line = headerStyle.Render(line)
		} else {
			line = style(row).Render(line)
		}
		b.WriteString("  " + line + "\n")
	}
}
