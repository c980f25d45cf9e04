// Package notify raises desktop notifications for the events that need a
// human: escalated tasks, replaced workers and dissolution.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/msageha/troupe/internal/events"
	"github.com/msageha/troupe/internal/logging"
)

// Sender delivers one notification.
type Sender func(title, message string) error

// Send shows a notification with osascript on macOS and notify-send
// elsewhere.
func Send(title, message string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		cmd = exec.Command("osascript", "-e", script)
	} else {
		cmd = exec.Command("notify-send", "--app-name=troupe", title, message)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Attach notifies through send for every escalation, replacement and
// dissolution published on bus. The returned func detaches.
func Attach(bus *events.Bus, project string, send Sender, logger *logging.Logger) func() {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("notify")
	title := "troupe"
	if project != "" {
		title = "troupe: " + project
	}
	handle := func(e events.Event) {
		msg := Message(e)
		if err := send(title, msg); err != nil {
			logger.Warnf("notify type=%s: %v", e.Type, err)
			return
		}
		logger.Debugf("notify type=%s message=%q", e.Type, msg)
	}
	unsubs := []func(){
		bus.Subscribe(events.EventEscalated, handle),
		bus.Subscribe(events.EventWorkerReplaced, handle),
		bus.Subscribe(events.EventDissolutionStarted, handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Message renders the notification text for an event.
func Message(e events.Event) string {
	switch e.Type {
	case events.EventEscalated:
		return fmt.Sprintf("Task %v escalated (owner %v)", e.Data["task_id"], e.Data["owner"])
	case events.EventWorkerReplaced:
		return fmt.Sprintf("Worker %v replaced by %v: %v", e.Data["old_id"], e.Data["new_id"], e.Data["reason"])
	case events.EventDissolutionStarted:
		return fmt.Sprintf("Team dissolving: %v", e.Data["reason"])
	}
	return string(e.Type)
}
