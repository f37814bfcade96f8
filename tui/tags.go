package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"opclink/opc"
)

// TagsTab shows every configured tag with its last value.
type TagsTab struct {
	app       *App
	flex      *tview.Flex
	filter    *tview.InputField
	table     *tview.Table
	statusBar *tview.TextView
}

// NewTagsTab creates a new tags tab.
func NewTagsTab(app *App) *TagsTab {
	t := &TagsTab{app: app}
	t.setupUI()
	return t
}

func (t *TagsTab) setupUI() {
	t.filter = tview.NewInputField().
		SetLabel(" Filter: ").
		SetFieldWidth(30).
		SetChangedFunc(func(string) { t.Refresh() })
	t.filter.SetDoneFunc(func(tcell.Key) { t.app.app.SetFocus(t.table) })

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == '/' {
			t.app.app.SetFocus(t.filter)
			return nil
		}
		return event
	})

	headers := []string{"Tag", "Server", "Node", "Type", "Value", "Quality", "Timestamp", "W"}
	for i, h := range headers {
		t.table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(CurrentTheme.Accent).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	tableFrame := tview.NewFrame(t.table).SetBorders(1, 0, 0, 0, 1, 1)
	tableFrame.SetBorder(true).SetTitle(" Tags ")

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.filter, 1, 0, false).
		AddItem(tableFrame, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
	t.RefreshTheme()
}

// GetPrimitive returns the main primitive for this tab.
func (t *TagsTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the element that should receive focus.
func (t *TagsTab) GetFocusable() tview.Primitive { return t.table }

// Refresh updates the display.
func (t *TagsTab) Refresh() {
	conns := t.app.engine.GetConnections()
	values := make(map[string]opc.DataValue)
	for _, st := range conns.Status() {
		vals, _ := conns.Values(st.ID)
		for _, v := range vals {
			values[v.TagID] = v.DataValue
		}
	}

	for t.table.GetRowCount() > 1 {
		t.table.RemoveRow(1)
	}

	filter := strings.ToLower(strings.TrimSpace(t.filter.GetText()))
	tags := conns.Tags()
	row := 1
	for _, tag := range tags {
		if filter != "" && !strings.Contains(strings.ToLower(tag.ID), filter) &&
			!strings.Contains(strings.ToLower(tag.NodeAddress), filter) {
			continue
		}
		value, quality, ts := "-", "", ""
		if v, ok := values[tag.ID]; ok {
			value = tview.Escape(formatValue(v.Value))
			quality = qualityText(v.Quality)
			ts = v.Timestamp.Format("15:04:05.000")
		}
		writable := ""
		if tag.Writable {
			writable = "✎"
		}
		t.table.SetCell(row, 0, tview.NewTableCell(tview.Escape(tag.ID)).SetExpansion(2))
		t.table.SetCell(row, 1, tview.NewTableCell(tag.ServerID))
		t.table.SetCell(row, 2, tview.NewTableCell(tview.Escape(tag.NodeAddress)).SetExpansion(2).SetMaxWidth(40))
		t.table.SetCell(row, 3, tview.NewTableCell(string(tag.DataType)))
		t.table.SetCell(row, 4, tview.NewTableCell(value).SetAlign(tview.AlignRight).SetExpansion(1))
		t.table.SetCell(row, 5, tview.NewTableCell(quality))
		t.table.SetCell(row, 6, tview.NewTableCell(ts))
		t.table.SetCell(row, 7, tview.NewTableCell(writable))
		row++
	}

	t.statusBar.SetText(fmt.Sprintf(" %d of %d tags", row-1, len(tags)))
}

func qualityText(q opc.Quality) string {
	switch q {
	case opc.QualityGood:
		return "[green]" + q.String() + "[-]"
	case opc.QualityBad:
		return "[red]" + q.String() + "[-]"
	}
	return "[yellow]" + q.String() + "[-]"
}

// RefreshTheme updates theme-dependent UI elements.
func (t *TagsTab) RefreshTheme() {
	th := CurrentTheme
	for col := 0; col < t.table.GetColumnCount(); col++ {
		t.table.GetCell(0, col).SetTextColor(th.Accent)
	}
	t.table.SetSelectedStyle(tcell.StyleDefault.Background(th.Selected))
	t.filter.SetLabelColor(th.Accent)
	t.statusBar.SetTextColor(th.Text)
}
