package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"opclink/driver"
)

// ConnectionsTab lists the configured servers with their state and
// buffer fill.
type ConnectionsTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	statusBar *tview.TextView
	buttonBar *tview.TextView
}

// NewConnectionsTab creates a new connections tab.
func NewConnectionsTab(app *App) *ConnectionsTab {
	t := &ConnectionsTab{app: app}
	t.setupUI()
	return t
}

func (t *ConnectionsTab) setupUI() {
	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.table.SetSelectedFunc(func(row, _ int) { t.showInfoDialog(row) })
	t.table.SetInputCapture(t.handleKeys)

	headers := []string{"", "ID", "Protocol", "Endpoint", "Since", "Buffer", "Reconnects", "Error"}
	for i, h := range headers {
		t.table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(CurrentTheme.Accent).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.statusBar = tview.NewTextView().
		SetDynamicColors(true)

	tableFrame := tview.NewFrame(t.table).
		SetBorders(1, 0, 0, 0, 1, 1)
	tableFrame.SetBorder(true).SetTitle(" Connections ")

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(tableFrame, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
	t.RefreshTheme()
}

func (t *ConnectionsTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'e':
		t.toggleSelected()
		return nil
	case 'b':
		if id := t.selectedID(); id != "" {
			t.browse(id, "")
		}
		return nil
	}
	return event
}

func (t *ConnectionsTab) selectedID() string {
	row, _ := t.table.GetSelection()
	if row <= 0 {
		return ""
	}
	cell := t.table.GetCell(row, 1)
	if cell == nil {
		return ""
	}
	return cell.Text
}

// toggleSelected flips the enabled flag through the engine so the change is
// applied and saved like any other configuration edit.
func (t *ConnectionsTab) toggleSelected() {
	id := t.selectedID()
	if id == "" {
		return
	}
	st, err := t.app.engine.GetConnections().Connection(id)
	if err != nil {
		return
	}
	enable := !st.Enabled
	verb, done := "Disabling", "disabled"
	if enable {
		verb, done = "Enabling", "enabled"
	}
	t.app.setStatus(fmt.Sprintf("%s %s...", verb, id))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := t.app.engine.SetServerEnabled(ctx, id, enable)
		t.app.QueueUpdateDraw(func() {
			if err != nil {
				t.app.showError("Update failed", err.Error())
				return
			}
			t.app.setStatus(fmt.Sprintf("%s %s", id, done))
			t.Refresh()
		})
	}()
}

// GetPrimitive returns the main primitive for this tab.
func (t *ConnectionsTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the element that should receive focus.
func (t *ConnectionsTab) GetFocusable() tview.Primitive { return t.table }

// Refresh updates the display.
func (t *ConnectionsTab) Refresh() {
	for t.table.GetRowCount() > 1 {
		t.table.RemoveRow(1)
	}

	statuses := t.app.engine.GetConnections().Status()
	connected := 0
	buffered := 0
	for i, st := range statuses {
		row := i + 1
		if st.Enabled && st.State == driver.StateConnected {
			connected++
		}
		buffered += st.Buffer.Size

		errText := st.LastError
		if errText != "" {
			errText = CurrentTheme.TagError + tview.Escape(errText) + CurrentTheme.TagReset
		}
		t.table.SetCell(row, 0, tview.NewTableCell(stateIndicator(st.Enabled, st.State)))
		t.table.SetCell(row, 1, tview.NewTableCell(st.ID).SetExpansion(1))
		t.table.SetCell(row, 2, tview.NewTableCell(string(st.Protocol)))
		t.table.SetCell(row, 3, tview.NewTableCell(st.Endpoint).SetExpansion(2).SetMaxWidth(40))
		t.table.SetCell(row, 4, tview.NewTableCell(st.LastChange.Format("15:04:05")))
		t.table.SetCell(row, 5, tview.NewTableCell(bufferGauge(st.Buffer.Size, st.Buffer.Capacity)))
		t.table.SetCell(row, 6, tview.NewTableCell(fmt.Sprintf("%d", st.Reconnects)))
		t.table.SetCell(row, 7, tview.NewTableCell(errText).SetExpansion(2))
	}

	uplink := "[green]up[-]"
	if !t.app.engine.GetFanout().Available() {
		uplink = "[red]down[-]"
	}
	t.statusBar.SetText(fmt.Sprintf(" %d servers, %d connected | %d buffered | uplink %s",
		len(statuses), connected, buffered, uplink))
}

func (t *ConnectionsTab) showInfoDialog(row int) {
	if row <= 0 {
		return
	}
	st, err := t.app.engine.GetConnections().Connection(t.table.GetCell(row, 1).Text)
	if err != nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, " ID:          %s\n", st.ID)
	fmt.Fprintf(&b, " Protocol:    %s\n", st.Protocol)
	fmt.Fprintf(&b, " Endpoint:    %s\n", tview.Escape(st.Endpoint))
	fmt.Fprintf(&b, " State:       %s (since %s)\n", st.State, st.LastChange.Format(time.RFC3339))
	fmt.Fprintf(&b, " Live:        %v\n", st.Live)
	fmt.Fprintf(&b, " Tags:        %d\n", st.Tags)
	fmt.Fprintf(&b, " Buffer:      %d/%d (evicted %d, rejected %d, published %d)\n",
		st.Buffer.Size, st.Buffer.Capacity, st.Buffer.Evicted, st.Buffer.Rejected, st.Buffer.Published)
	if st.LastError != "" {
		fmt.Fprintf(&b, " Last error:  %s\n", tview.Escape(st.LastError))
	}
	if len(st.Subscriptions) > 0 {
		b.WriteString("\n Subscriptions\n")
		for _, sub := range st.Subscriptions {
			stale := ""
			if sub.Stale {
				stale = " [yellow]stale[-]"
			}
			fmt.Fprintf(&b, "   #%d %s items=%d%s\n", sub.ID, sub.State, sub.Items, stale)
		}
	}

	const pageName = "conninfo"
	view := tview.NewTextView().SetDynamicColors(true).SetText(b.String())
	view.SetBorder(true).SetTitle(" " + st.ID + " ")
	view.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter {
			t.app.closeModal(pageName)
			return nil
		}
		return event
	})
	t.app.showCenteredModal(pageName, view, 72, 20)
}

// browse lists the children of node. Selecting a branch descends into it.
func (t *ConnectionsTab) browse(id, node string) {
	t.app.setStatus("Browsing " + id + "...")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		nodes, err := t.app.engine.GetConnections().Browse(ctx, id, node)
		t.app.QueueUpdateDraw(func() {
			if err != nil {
				t.app.showError("Browse failed", err.Error())
				return
			}
			t.app.setStatus(fmt.Sprintf("%d nodes under %q", len(nodes), node))

			const pageName = "browse"
			t.app.pages.RemovePage(pageName)
			list := tview.NewList().ShowSecondaryText(true)
			title := id
			if node != "" {
				title += " / " + node
			}
			list.SetBorder(true).SetTitle(" " + tview.Escape(title) + " ")
			for _, n := range nodes {
				label := n.Name
				if n.HasChildren {
					label += "/"
				}
				list.AddItem(tview.Escape(label), tview.Escape(n.NodeAddress+"  "+string(n.DataType)), 0, nil)
			}
			list.SetSelectedFunc(func(i int, _, _ string, _ rune) {
				if i < len(nodes) && nodes[i].HasChildren {
					t.browse(id, nodes[i].NodeAddress)
				}
			})
			list.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
				if event.Key() == tcell.KeyEscape {
					t.app.closeModal(pageName)
					return nil
				}
				return event
			})
			t.app.showCenteredModal(pageName, list, 70, 22)
		})
	}()
}

// RefreshTheme updates theme-dependent UI elements.
func (t *ConnectionsTab) RefreshTheme() {
	th := CurrentTheme
	t.buttonBar.SetText(" " + th.TagAccent + "e" + th.TagReset + "nable/disable  " +
		th.TagAccent + "b" + th.TagReset + "rowse  " +
		th.TagAccent + "Enter" + th.TagReset + " info  " +
		th.TagTextDim + "│  " + th.TagReset +
		th.TagAccent + "?" + th.TagReset + " help  " +
		th.TagAccent + "Shift+Tab" + th.TagReset + " next tab ")
	for col := 0; col < t.table.GetColumnCount(); col++ {
		t.table.GetCell(0, col).SetTextColor(th.Accent)
	}
	t.table.SetSelectedStyle(tcell.StyleDefault.Background(th.Selected))
	t.statusBar.SetTextColor(th.Text)
}
