package router

import (
	"fmt"
	"html"
	"strings"
	"time"

	"wadispatch/internal/dispatch"
	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/service"
	"wadispatch/internal/storage"
	"wadispatch/internal/task/engine"
	kit "wadispatch/internal/transport"
)

const timeLayout = "2006-01-02 15:04"

func escape(s string) string { return html.EscapeString(s) }

func helpHTML(cmds []kit.BotCommand) string {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "/%s - %s\n", c.Command, escape(c.Description))
	}
	b.WriteString("\n<code>/send friend 3 now</code>\n<code>/send group 1 weekly</code>")
	return b.String()
}

func contactsHTML(cs []domain.Contact) string {
	if len(cs) == 0 {
		return "no contacts yet"
	}
	var b strings.Builder
	b.WriteString("<b>Contacts</b>\n")
	for _, c := range cs {
		fmt.Fprintf(&b, "<code>%d</code> %s <i>%s</i>\n", c.ID, escape(c.Name), escape(c.Number))
	}
	return strings.TrimRight(b.String(), "\n")
}

func groupsHTML(gs []service.GroupView) string {
	if len(gs) == 0 {
		return "no groups yet"
	}
	var b strings.Builder
	b.WriteString("<b>Groups</b>\n")
	for _, g := range gs {
		names := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			names = append(names, escape(m.Name))
		}
		fmt.Fprintf(&b, "<code>%d</code> %s (%d): %s\n", g.ID, escape(g.Name), len(g.Members), strings.Join(names, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusHTML(st service.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "driver: <code>%s</code>, on_error: <code>%s</code>\n", escape(st.Driver), st.Policy)
	if st.Task == nil {
		b.WriteString("no recurring dispatch")
	} else {
		fmt.Fprintf(&b, "recurring: <code>%s</code> %s\nnext: %s",
			escape(st.Task.Selection.String()), st.Task.Interval, fmtTime(st.Task.Next))
		if !st.Task.Prev.IsZero() {
			fmt.Fprintf(&b, "\nprev: %s", fmtTime(st.Task.Prev))
		}
	}
	if st.Last != nil {
		fmt.Fprintf(&b, "\nlast run: %s, %s", fmtTime(st.Last.StartedAt), recordSummary(*st.Last))
	}
	return b.String()
}

func runsHTML(runs []storage.RunRecord) string {
	if len(runs) == 0 {
		return "no runs yet"
	}
	var b strings.Builder
	b.WriteString("<b>Recent runs</b>\n")
	for _, r := range runs {
		fmt.Fprintf(&b, "%s <code>%s</code> %s/%s: %s\n", fmtTime(r.StartedAt), escape(r.Selection), r.Trigger, r.Interval, recordSummary(r))
	}
	return strings.TrimRight(b.String(), "\n")
}

func recordSummary(r storage.RunRecord) string {
	s := fmt.Sprintf("sent %d/%d, skipped %d, failed %d", r.Sent, r.Total, r.Skipped, r.Failed)
	if r.Error != "" {
		s += " <i>(" + escape(r.Error) + ")</i>"
	}
	return s
}

func formatEvent(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.DispatchFinished:
		res, ok := ev.Data.(dispatch.Result)
		if !ok {
			return ""
		}
		icon := "✅"
		if res.Failed > 0 || res.Error != "" {
			icon = "⚠️"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s <b>dispatch finished</b>\n%s", icon, escape(res.Summary()))
		for _, it := range res.Items {
			if it.Status == dispatch.StatusSent {
				continue
			}
			fmt.Fprintf(&b, "\n• %s: %s %s", escape(it.Recipient.Name), it.Status, escape(it.Reason))
		}
		return b.String()
	case eventbus.TaskFailed:
		te, ok := ev.Data.(engine.TaskEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("❌ <b>%s</b> failed after %d attempt(s): %s", escape(te.Name), te.Attempts, escape(te.Error))
	default:
		return ""
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(timeLayout)
}
