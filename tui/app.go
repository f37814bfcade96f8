package tui

import (
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"opclink/engine"
	"opclink/transport"
)

// maxWriteLog bounds the write audit trail kept for the writes tab.
const maxWriteLog = 200

// App is the main TUI application.
type App struct {
	app            *tview.Application
	pages          *tview.Pages
	tabs           *tview.TextView
	statusBar      *tview.TextView
	themeIndicator *tview.TextView

	connsTab  *ConnectionsTab
	tagsTab   *TagsTab
	writesTab *WritesTab
	modelsTab *ModelsTab
	logTab    *LogTab

	engine *engine.Engine
	logs   *LogStore

	currentTab int
	tabNames   []string

	mu      sync.Mutex
	writes  []transport.CriticalWriteLog
	outputs map[string]transport.EdgeInferenceOutput

	subID    int
	refresh  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewApp creates a new TUI application. logs backs the log tab and is
// normally also passed to logging.Setup.
func NewApp(eng *engine.Engine, logs *LogStore) *App {
	return newApp(tview.NewApplication(), eng, logs)
}

// NewAppWithScreen creates a TUI application that draws on screen.
func NewAppWithScreen(eng *engine.Engine, logs *LogStore, screen tcell.Screen) *App {
	return newApp(tview.NewApplication().SetScreen(screen), eng, logs)
}

func newApp(tv *tview.Application, eng *engine.Engine, logs *LogStore) *App {
	if theme := eng.GetConfig().UI.Theme; theme != "" {
		SetTheme(theme)
	}
	if logs == nil {
		logs = NewLogStore(1000)
	}
	a := &App{
		app:      tv,
		engine:   eng,
		logs:     logs,
		tabNames: []string{TabConnections, TabTags, TabWrites, TabModels, TabLog},
		outputs:  make(map[string]transport.EdgeInferenceOutput),
		refresh:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.tabs = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft).
		SetTextColor(CurrentTheme.Text)

	a.themeIndicator = tview.NewTextView().
		SetTextAlign(tview.AlignRight)
	a.updateThemeIndicator()

	a.pages = tview.NewPages()

	a.connsTab = NewConnectionsTab(a)
	a.tagsTab = NewTagsTab(a)
	a.writesTab = NewWritesTab(a)
	a.modelsTab = NewModelsTab(a)
	a.logTab = NewLogTab(a, a.logs)

	a.pages.AddPage(TabConnections, a.connsTab.GetPrimitive(), true, true)
	a.pages.AddPage(TabTags, a.tagsTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabWrites, a.writesTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabModels, a.modelsTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabLog, a.logTab.GetPrimitive(), true, false)

	bottomBar := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.statusBar, 0, 1, false).
		AddItem(a.themeIndicator, 26, 0, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(bottomBar, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)
	a.updateTabsDisplay()
	a.setStatus("Ready. Press ? for help.")
	a.focusCurrentTab()
}

func (a *App) isMainTab(page string) bool {
	for _, name := range a.tabNames {
		if page == name {
			return true
		}
	}
	return false
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}

	// Modals and the filter field get their keys untouched.
	frontPage, _ := a.pages.GetFrontPage()
	if !a.isMainTab(frontPage) {
		return event
	}
	if _, ok := a.app.GetFocus().(*tview.InputField); ok {
		return event
	}

	switch {
	case event.Rune() == 'Q':
		a.Shutdown()
		return nil
	case event.Key() == tcell.KeyBacktab:
		a.nextTab()
		return nil
	case event.Rune() == '?':
		a.showHelp()
		return nil
	case event.Key() == tcell.KeyF6:
		NextTheme()
		a.updateTabsDisplay()
		a.updateThemeIndicator()
		a.refreshAllThemes()
		a.app.Sync()
		return nil
	}
	return event
}

func (a *App) nextTab() {
	a.switchToTab((a.currentTab + 1) % len(a.tabNames))
}

func (a *App) switchToTab(index int) {
	a.currentTab = index
	a.pages.SwitchToPage(a.tabNames[index])
	a.updateTabsDisplay()
	a.focusCurrentTab()
	a.refreshCurrent()
}

func (a *App) focusCurrentTab() {
	switch a.tabNames[a.currentTab] {
	case TabConnections:
		a.app.SetFocus(a.connsTab.GetFocusable())
	case TabTags:
		a.app.SetFocus(a.tagsTab.GetFocusable())
	case TabWrites:
		a.app.SetFocus(a.writesTab.GetFocusable())
	case TabModels:
		a.app.SetFocus(a.modelsTab.GetFocusable())
	case TabLog:
		a.app.SetFocus(a.logTab.GetFocusable())
	}
}

func (a *App) updateTabsDisplay() {
	th := CurrentTheme
	text := ""
	for i, name := range a.tabNames {
		if i > 0 {
			text += th.TagTextDim + "  │  " + th.TagReset
		}
		if i == a.currentTab {
			text += th.TagAccent + "[::b]" + name + "[-:-:-]"
		} else {
			text += th.TagTextDim + name + th.TagReset
		}
	}
	a.tabs.SetText(text)
	a.tabs.SetTextColor(th.Text)
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

func (a *App) updateThemeIndicator() {
	th := CurrentTheme
	a.themeIndicator.SetText("Theme (F6): " + th.Name + " ")
	a.themeIndicator.SetTextColor(th.TextDim)
	a.statusBar.SetTextColor(th.Text)
}

func (a *App) showHelp() {
	const pageName = "help"

	textView := tview.NewTextView().
		SetText(HelpText).
		SetDynamicColors(true)
	textView.SetBorder(true).SetTitle(" Help ")

	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.closeModal(pageName)
			return nil
		}
		return event
	})

	a.showCenteredModal(pageName, textView, 45, 34)
}

func (a *App) showError(title, message string) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			a.pages.RemovePage("error")
			a.focusCurrentTab()
		})

	a.pages.AddPage("error", modal, true, true)
}

func (a *App) showConfirm(title, message string, onConfirm func()) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"Yes", "No"}).
		SetDoneFunc(func(buttonIndex int, _ string) {
			a.pages.RemovePage("confirm")
			if buttonIndex == 0 {
				onConfirm()
			}
			a.focusCurrentTab()
		})

	a.pages.AddPage("confirm", modal, true, true)
}

// showCenteredModal displays content centered on the screen and focuses it.
func (a *App) showCenteredModal(pageName string, content tview.Primitive, width, height int) {
	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(content, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)

	a.pages.AddPage(pageName, modal, true, true)
	a.app.SetFocus(content)
}

// closeModal removes a modal from the pages stack and restores focus to the current tab.
func (a *App) closeModal(pageName string) {
	a.pages.RemovePage(pageName)
	a.focusCurrentTab()
}

// handleEvent records the engine events the dashboard shows and schedules
// a redraw. It runs on the emitting goroutine and must not block.
func (a *App) handleEvent(ev engine.Event) {
	switch p := ev.Payload.(type) {
	case engine.WriteEvent:
		a.mu.Lock()
		a.writes = append(a.writes, p.Log)
		if len(a.writes) > maxWriteLog {
			a.writes = append(a.writes[:0:0], a.writes[len(a.writes)-maxWriteLog:]...)
		}
		a.mu.Unlock()
	case engine.InferenceEvent:
		a.mu.Lock()
		a.outputs[p.Output.ModelName] = p.Output
		a.mu.Unlock()
	}
	a.requestRefresh()
}

func (a *App) requestRefresh() {
	select {
	case a.refresh <- struct{}{}:
	default:
	}
}

func (a *App) recentWrites() []transport.CriticalWriteLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]transport.CriticalWriteLog, len(a.writes))
	copy(out, a.writes)
	return out
}

func (a *App) latestOutputs() map[string]transport.EdgeInferenceOutput {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]transport.EdgeInferenceOutput, len(a.outputs))
	for k, v := range a.outputs {
		out[k] = v
	}
	return out
}

// Run starts the TUI application and blocks until it exits.
func (a *App) Run() error {
	a.subID = a.engine.Events.Subscribe(a.handleEvent)
	a.logs.SetNotify(a.requestRefresh)
	defer func() {
		a.engine.Events.Unsubscribe(a.subID)
		a.logs.SetNotify(nil)
	}()

	a.refreshAll()
	go a.refreshLoop()

	return a.app.Run()
}

// refreshLoop redraws the visible tab on events, coalescing bursts, and at
// least once a second so relative times stay current.
func (a *App) refreshLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-a.refresh:
		case <-ticker.C:
		}
		a.app.QueueUpdateDraw(func() {
			frontPage, _ := a.pages.GetFrontPage()
			if !a.isMainTab(frontPage) {
				return
			}
			a.refreshCurrent()
		})
		// coalesce
		select {
		case <-a.stopChan:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (a *App) refreshCurrent() {
	switch a.tabNames[a.currentTab] {
	case TabConnections:
		a.connsTab.Refresh()
	case TabTags:
		a.tagsTab.Refresh()
	case TabWrites:
		a.writesTab.Refresh()
	case TabModels:
		a.modelsTab.Refresh()
	case TabLog:
		a.logTab.Refresh()
	}
}

func (a *App) refreshAll() {
	a.connsTab.Refresh()
	a.tagsTab.Refresh()
	a.writesTab.Refresh()
	a.modelsTab.Refresh()
	a.logTab.Refresh()
}

func (a *App) refreshAllThemes() {
	a.connsTab.RefreshTheme()
	a.tagsTab.RefreshTheme()
	a.writesTab.RefreshTheme()
	a.modelsTab.RefreshTheme()
	a.logTab.RefreshTheme()
}

// Shutdown stops the UI. The engine is stopped by the caller once Run
// returns.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.app.Stop()
	})
}

// QueueUpdateDraw queues a function to run on the UI thread.
func (a *App) QueueUpdateDraw(f func()) {
	a.app.QueueUpdateDraw(f)
}
