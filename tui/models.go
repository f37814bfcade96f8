package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"opclink/inference"
)

// ModelsTab lists loaded edge models and their latest results.
type ModelsTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	statusBar *tview.TextView
	buttonBar *tview.TextView
}

// NewModelsTab creates a new models tab.
func NewModelsTab(app *App) *ModelsTab {
	t := &ModelsTab{app: app}
	t.setupUI()
	return t
}

func (t *ModelsTab) setupUI() {
	t.table = tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	header(t.table, "Model", "Version", "Runtime", "Inputs", "Loaded", "Status", "Results")
	t.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'R' {
			t.reload()
			return nil
		}
		return event
	})

	tableFrame := tview.NewFrame(t.table).SetBorders(1, 0, 0, 0, 1, 1)
	tableFrame.SetBorder(true).SetTitle(" Models ")

	t.buttonBar = tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignCenter)
	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(tableFrame, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
	t.RefreshTheme()
}

func (t *ModelsTab) reload() {
	if t.app.engine.GetConfigPath() == "" {
		t.app.setStatus("No configuration file to reload")
		return
	}
	t.app.setStatus("Reloading configuration...")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := t.app.engine.ReloadConfig(ctx)
		t.app.QueueUpdateDraw(func() {
			if err != nil {
				t.app.showError("Reload failed", err.Error())
				return
			}
			t.app.setStatus("Configuration reloaded")
			t.app.refreshAll()
		})
	}()
}

// GetPrimitive returns the main primitive for this tab.
func (t *ModelsTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the element that should receive focus.
func (t *ModelsTab) GetFocusable() tview.Primitive { return t.table }

// Refresh updates the display.
func (t *ModelsTab) Refresh() {
	for t.table.GetRowCount() > 1 {
		t.table.RemoveRow(1)
	}

	models := t.app.engine.GetPipeline().Models()
	sort.Slice(models, func(i, j int) bool { return models[i].ModelName < models[j].ModelName })
	outputs := t.app.latestOutputs()

	for i, m := range models {
		row := i + 1
		status, results := "-", ""
		if out, ok := outputs[m.ModelName]; ok {
			status = statusText(out.Status)
			results = resultsText(out.Results)
		}
		t.table.SetCell(row, 0, tview.NewTableCell(tview.Escape(m.ModelName)).SetExpansion(1))
		t.table.SetCell(row, 1, tview.NewTableCell(tview.Escape(m.Version)))
		t.table.SetCell(row, 2, tview.NewTableCell(m.Runtime))
		t.table.SetCell(row, 3, tview.NewTableCell(strings.Join(m.Inputs(), ",")).SetMaxWidth(30))
		t.table.SetCell(row, 4, tview.NewTableCell(m.LoadedAt.Format("15:04:05")))
		t.table.SetCell(row, 5, tview.NewTableCell(status))
		t.table.SetCell(row, 6, tview.NewTableCell(results).SetExpansion(2))
	}

	t.statusBar.SetText(fmt.Sprintf(" %d models loaded, %d bindings", len(models), len(t.app.engine.GetConfig().ModelBindings)))
}

func statusText(status string) string {
	switch inference.Status(status) {
	case inference.StatusSuccess:
		return "[green]" + status + "[-]"
	case inference.StatusThresholdExceeded:
		return "[yellow]" + status + "[-]"
	}
	return "[red]" + status + "[-]"
}

func resultsText(results map[string]float64) string {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4g", k, results[k])
	}
	return tview.Escape(strings.Join(parts, " "))
}

// RefreshTheme updates theme-dependent UI elements.
func (t *ModelsTab) RefreshTheme() {
	th := CurrentTheme
	t.buttonBar.SetText(" " + th.TagAccent + "R" + th.TagReset + "eload config  " +
		th.TagTextDim + "│  " + th.TagReset +
		th.TagAccent + "?" + th.TagReset + " help  " +
		th.TagAccent + "Shift+Tab" + th.TagReset + " next tab ")
	for col := 0; col < t.table.GetColumnCount(); col++ {
		t.table.GetCell(0, col).SetTextColor(th.Accent)
	}
	t.table.SetSelectedStyle(tcell.StyleDefault.Background(th.Selected))
	t.statusBar.SetTextColor(th.Text)
}
