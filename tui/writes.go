package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"opclink/transport"
)

// tuiRequester identifies writes confirmed or cancelled from the dashboard.
const tuiRequester = "console"

// WritesTab shows writes awaiting confirmation and the recent write audit
// trail.
type WritesTab struct {
	app       *App
	flex      *tview.Flex
	pending   *tview.Table
	audit     *tview.Table
	statusBar *tview.TextView
	buttonBar *tview.TextView
}

// NewWritesTab creates a new writes tab.
func NewWritesTab(app *App) *WritesTab {
	t := &WritesTab{app: app}
	t.setupUI()
	return t
}

func header(table *tview.Table, names ...string) {
	for i, h := range names {
		table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(CurrentTheme.Accent).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}
}

func (t *WritesTab) setupUI() {
	t.pending = tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	header(t.pending, "Correlation", "Tag", "Value", "Requester", "Policy", "Expires")
	t.pending.SetInputCapture(t.handleKeys)

	t.audit = tview.NewTable().SetFixed(1, 0)
	header(t.audit, "Time", "Tag", "Value", "Requester", "Outcome", "Reason")

	pendingFrame := tview.NewFrame(t.pending).SetBorders(1, 0, 0, 0, 1, 1)
	pendingFrame.SetBorder(true).SetTitle(" Pending Confirmation ")
	auditFrame := tview.NewFrame(t.audit).SetBorders(1, 0, 0, 0, 1, 1)
	auditFrame.SetBorder(true).SetTitle(" Write Log ")

	t.buttonBar = tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignCenter)
	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(pendingFrame, 0, 1, true).
		AddItem(auditFrame, 0, 2, false).
		AddItem(t.statusBar, 1, 0, false)
	t.RefreshTheme()
}

func (t *WritesTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'c':
		if corr := t.selected(); corr != "" {
			t.app.showConfirm("Confirm write", "Forward write "+corr+" to the server?", func() { t.confirm(corr) })
		}
		return nil
	case 'x':
		if corr := t.selected(); corr != "" {
			if t.app.engine.GetConnections().CancelWrite(corr, tuiRequester) {
				t.app.setStatus("Cancelled " + corr)
			} else {
				t.app.setStatus("No pending write " + corr)
			}
			t.Refresh()
		}
		return nil
	}
	return event
}

func (t *WritesTab) selected() string {
	row, _ := t.pending.GetSelection()
	if row <= 0 || row >= t.pending.GetRowCount() {
		return ""
	}
	return t.pending.GetCell(row, 0).Text
}

func (t *WritesTab) confirm(corr string) {
	t.app.setStatus("Confirming " + corr + "...")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := t.app.engine.GetConnections().Confirm(ctx, corr, tuiRequester)
		t.app.QueueUpdateDraw(func() {
			if err != nil {
				t.app.showError("Confirm failed", err.Error())
			} else {
				t.app.setStatus(fmt.Sprintf("%s %s", res.TagID, res.Outcome))
			}
			t.Refresh()
		})
	}()
}

// GetPrimitive returns the main primitive for this tab.
func (t *WritesTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the element that should receive focus.
func (t *WritesTab) GetFocusable() tview.Primitive { return t.pending }

// Refresh updates the display.
func (t *WritesTab) Refresh() {
	for t.pending.GetRowCount() > 1 {
		t.pending.RemoveRow(1)
	}
	pending := t.app.engine.GetConnections().PendingWrites()
	for i, ev := range pending {
		row := i + 1
		left := time.Until(ev.ExpiresAt).Truncate(time.Second)
		t.pending.SetCell(row, 0, tview.NewTableCell(ev.Request.CorrelationID))
		t.pending.SetCell(row, 1, tview.NewTableCell(tview.Escape(ev.Request.TagID)).SetExpansion(1))
		t.pending.SetCell(row, 2, tview.NewTableCell(tview.Escape(formatValue(ev.Value))))
		t.pending.SetCell(row, 3, tview.NewTableCell(tview.Escape(ev.Request.Requester)))
		t.pending.SetCell(row, 4, tview.NewTableCell(tview.Escape(ev.Policy)))
		t.pending.SetCell(row, 5, tview.NewTableCell(left.String()))
	}

	for t.audit.GetRowCount() > 1 {
		t.audit.RemoveRow(1)
	}
	logs := t.app.recentWrites()
	// newest first
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		row := len(logs) - i
		t.audit.SetCell(row, 0, tview.NewTableCell(l.Timestamp.Format("15:04:05")))
		t.audit.SetCell(row, 1, tview.NewTableCell(tview.Escape(l.TagID)).SetExpansion(1))
		t.audit.SetCell(row, 2, tview.NewTableCell(tview.Escape(formatValue(l.Value))))
		t.audit.SetCell(row, 3, tview.NewTableCell(tview.Escape(l.Requester)))
		t.audit.SetCell(row, 4, tview.NewTableCell(outcomeText(l.Outcome)))
		t.audit.SetCell(row, 5, tview.NewTableCell(tview.Escape(l.Reason)).SetExpansion(2))
	}

	t.statusBar.SetText(fmt.Sprintf(" %d pending | %d logged", len(pending), len(logs)))
}

func outcomeText(outcome string) string {
	switch outcome {
	case transport.OutcomeWritten, transport.OutcomeConfirmed:
		return "[green]" + outcome + "[-]"
	case transport.OutcomePending:
		return "[yellow]" + outcome + "[-]"
	}
	return "[red]" + outcome + "[-]"
}

// RefreshTheme updates theme-dependent UI elements.
func (t *WritesTab) RefreshTheme() {
	th := CurrentTheme
	t.buttonBar.SetText(" " + th.TagAccent + "c" + th.TagReset + "onfirm  " +
		th.TagAccent + "x" + th.TagReset + " cancel  " +
		th.TagTextDim + "│  " + th.TagReset +
		th.TagAccent + "?" + th.TagReset + " help  " +
		th.TagAccent + "Shift+Tab" + th.TagReset + " next tab ")
	for _, table := range []*tview.Table{t.pending, t.audit} {
		for col := 0; col < table.GetColumnCount(); col++ {
			table.GetCell(0, col).SetTextColor(th.Accent)
		}
	}
	t.pending.SetSelectedStyle(tcell.StyleDefault.Background(th.Selected))
	t.statusBar.SetTextColor(th.Text)
}
