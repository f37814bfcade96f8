// Package tui provides the terminal dashboard for opclink.
package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"

	"opclink/driver"
)

// Theme is a dashboard color scheme. The Tag fields are tview color tags
// for dynamic-color text views.
type Theme struct {
	Name       string
	Text       tcell.Color
	TextDim    tcell.Color
	Accent     tcell.Color
	Border     tcell.Color
	Selected   tcell.Color
	TagAccent  string
	TagTextDim string
	TagError   string
	TagReset   string
}

var themes = []Theme{
	{
		Name:       "default",
		Text:       tcell.ColorWhite,
		TextDim:    tcell.ColorGray,
		Accent:     tcell.ColorYellow,
		Border:     tcell.ColorBlue,
		Selected:   tcell.ColorBlue,
		TagAccent:  "[#ffd75f]",
		TagTextDim: "[#808080]",
		TagError:   "[#ff5f5f]",
		TagReset:   "[-]",
	},
	{
		Name:       "highcontrast",
		Text:       tcell.ColorWhite,
		TextDim:    tcell.ColorSilver,
		Accent:     tcell.ColorAqua,
		Border:     tcell.ColorWhite,
		Selected:   tcell.ColorFuchsia,
		TagAccent:  "[#00ffff]",
		TagTextDim: "[#c0c0c0]",
		TagError:   "[#ff0000]",
		TagReset:   "[-]",
	},
	{
		Name:       "mono",
		Text:       tcell.ColorDefault,
		TextDim:    tcell.ColorDefault,
		Accent:     tcell.ColorDefault,
		Border:     tcell.ColorDefault,
		Selected:   tcell.ColorGray,
		TagAccent:  "[::b]",
		TagTextDim: "[::d]",
		TagError:   "[::r]",
		TagReset:   "[-:-:-]",
	},
}

var themeIndex int

// CurrentTheme is the active theme.
var CurrentTheme = themes[0]

// SetTheme selects a theme by name. Unknown names keep the current theme.
func SetTheme(name string) bool {
	for i, th := range themes {
		if th.Name == name {
			themeIndex = i
			CurrentTheme = th
			return true
		}
	}
	return false
}

// NextTheme cycles to the next theme and returns its name.
func NextTheme() string {
	themeIndex = (themeIndex + 1) % len(themes)
	CurrentTheme = themes[themeIndex]
	return CurrentTheme.Name
}

// Status indicator strings
const (
	StatusIndicatorConnected    = "[green]●[-]"
	StatusIndicatorDisconnected = "[gray]○[-]"
	StatusIndicatorConnecting   = "[yellow]◐[-]"
	StatusIndicatorError        = "[red]●[-]"
)

func stateIndicator(enabled bool, s driver.State) string {
	if !enabled {
		return StatusIndicatorDisconnected + " disabled"
	}
	switch s {
	case driver.StateConnected:
		return StatusIndicatorConnected + " " + s.String()
	case driver.StateConnecting:
		return StatusIndicatorConnecting + " " + s.String()
	case driver.StateError:
		return StatusIndicatorError + " " + s.String()
	}
	return StatusIndicatorDisconnected + " " + s.String()
}

// bufferGauge renders buffer fill as "size/capacity" with a warning color
// once the buffer is three quarters full.
func bufferGauge(size, capacity int) string {
	if capacity <= 0 {
		return fmt.Sprintf("%d", size)
	}
	text := fmt.Sprintf("%d/%d", size, capacity)
	if size*4 >= capacity*3 {
		return "[yellow]" + text + "[-]"
	}
	return text
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		return fmt.Sprintf("%.4g", x)
	case float32:
		return fmt.Sprintf("%.4g", x)
	case string:
		return x
	}
	return fmt.Sprintf("%v", v)
}

// Tab labels
const (
	TabConnections = "Connections"
	TabTags        = "Tags"
	TabWrites      = "Writes"
	TabModels      = "Models"
	TabLog         = "Log"
)

// HelpText lists the keyboard shortcuts.
const HelpText = `
 Keyboard Shortcuts
 ──────────────────────────────────────

 Navigation
   Shift+Tab    Switch tabs
   Enter        Select
   Escape       Close dialog
   ?            Show this help
   F6           Cycle theme

 Connections Tab
   e            Enable / disable selected
   b            Browse selected server

 Tags Tab
   /            Focus filter

 Writes Tab
   c            Confirm selected write
   x            Cancel selected write

 Models Tab
   R            Reload configuration

 Log Tab
   c            Clear
   g / G        Top / bottom

 Application
   Q            Quit
`
