package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// LogTab displays the application log.
type LogTab struct {
	app       *App
	store     *LogStore
	flex      *tview.Flex
	logView   *tview.TextView
	statusBar *tview.TextView
	buttonBar *tview.TextView
	shown     uint64
}

// NewLogTab creates a new log tab backed by store.
func NewLogTab(app *App, store *LogStore) *LogTab {
	t := &LogTab{app: app, store: store}
	t.setupUI()
	return t
}

func (t *LogTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	// Log lines are plain text; color tags would mangle key=value output.
	t.logView = tview.NewTextView().
		SetDynamicColors(false).
		SetScrollable(true).
		SetTextColor(CurrentTheme.Text)
	t.logView.SetBorder(true).SetTitle(" Log ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	t.logView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'c', 'C':
			t.store.Clear()
			t.logView.SetText("")
			t.updateStatusBar()
			return nil
		case 'G':
			t.logView.ScrollToEnd()
			return nil
		case 'g':
			t.logView.ScrollToBeginning()
			return nil
		}
		return event
	})

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.logView, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
	t.RefreshTheme()
}

// GetPrimitive returns the main primitive for this tab.
func (t *LogTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the element that should receive focus.
func (t *LogTab) GetFocusable() tview.Primitive { return t.logView }

// Refresh redraws the log when new lines arrived. Must run on the UI
// goroutine.
func (t *LogTab) Refresh() {
	total := t.store.Total()
	if total == t.shown {
		return
	}
	t.shown = total
	t.logView.SetText(strings.Join(t.store.Lines(), "\n"))
	t.logView.ScrollToEnd()
	t.updateStatusBar()
}

func (t *LogTab) updateStatusBar() {
	t.statusBar.SetText(fmt.Sprintf(" %d log lines (max %d)", len(t.store.Lines()), t.store.maxLines))
}

// RefreshTheme updates theme-dependent UI elements.
func (t *LogTab) RefreshTheme() {
	th := CurrentTheme
	t.buttonBar.SetText(" " + th.TagAccent + "c" + th.TagReset + "lear  " +
		th.TagAccent + "g" + th.TagReset + " top  " +
		th.TagAccent + "G" + th.TagReset + " bottom  " +
		th.TagTextDim + "│  " + th.TagReset +
		th.TagAccent + "?" + th.TagReset + " help  " +
		th.TagAccent + "Shift+Tab" + th.TagReset + " next tab ")
	t.logView.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.logView.SetTextColor(th.Text)
	t.statusBar.SetTextColor(th.Text)
	t.updateStatusBar()
}
