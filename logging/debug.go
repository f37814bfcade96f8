package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DebugLogger writes verbose, protocol-tagged trace output to a dedicated
// file. It is meant for diagnosing connection drops, subscription gaps and
// transport failures and is independent of the structured application log.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // empty = log all
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// Areas that can be named in a debug filter.
var knownAreas = []string{
	"da", "ua", "hda", "ac", "xmlda", "sim",
	"subscription", "buffer", "policy", "inference", "modelstore",
	"connman", "config",
	"kafka", "mqtt", "valkey", "nats",
	"api", "tui",
	"debug",
}

// filter aliases expand to several areas
var areaAliases = map[string][]string{
	"opc":       {"da", "ua", "hda", "ac", "xmlda", "sim", "subscription"},
	"transport": {"kafka", "mqtt", "valkey", "nats"},
	"write":     {"policy", "connman"},
	"model":     {"inference", "modelstore"},
}

// KnownAreas returns the filterable area names.
func KnownAreas() []string {
	out := make([]string, len(knownAreas))
	copy(out, knownAreas)
	return out
}

// NewDebugLogger creates a debug logger writing to path.
// The file is truncated at the start of each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}
	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return logger, nil
}

// SetFilter restricts logging to a comma-separated list of areas.
// "all" or an empty string logs everything.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	filter = strings.TrimSpace(strings.ToLower(filter))
	if filter == "" || filter == "all" {
		return
	}

	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		l.filters[p] = true
		for _, related := range areaAliases[p] {
			l.filters[related] = true
		}
	}

	if len(l.filters) > 0 {
		list := make([]string, 0, len(l.filters))
		for p := range l.filters {
			list = append(list, p)
		}
		sort.Strings(list)
		fmt.Fprintf(l.file, "%s [DEBUG] Filtering enabled for: %s\n",
			time.Now().Format("2006-01-02 15:04:05.000"), strings.Join(list, ", "))
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(area string) bool {
	if len(l.filters) == 0 {
		return true
	}
	a := strings.ToLower(area)
	return l.filters[a] || a == "debug"
}

// SetGlobalDebugLogger installs the process-wide debug logger.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the process-wide debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and area prefix.
func (l *DebugLogger) Log(area, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(area) {
		return
	}

	fmt.Fprintf(l.file, "%s [%s] %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"), area, fmt.Sprintf(format, args...))
}

// LogTX logs an outgoing payload with a hex dump.
func (l *DebugLogger) LogTX(area string, data []byte) {
	if l == nil {
		return
	}
	l.logPayload(area, "TX", data)
}

// LogRX logs an incoming payload with a hex dump.
func (l *DebugLogger) LogRX(area string, data []byte) {
	if l == nil {
		return
	}
	l.logPayload(area, "RX", data)
}

func (l *DebugLogger) logPayload(area, direction string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(area) {
		return
	}

	fmt.Fprintf(l.file, "%s [%s] %s (%d bytes):\n%s\n",
		time.Now().Format("2006-01-02 15:04:05.000"), area, direction, len(data), hexDump(data))
}

// Close writes a footer and closes the file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	fmt.Fprintf(l.file, "%s [DEBUG] Debug logging ended\n", time.Now().Format("2006-01-02 15:04:05.000"))
	return l.file.Close()
}

// hexDump formats data as offset, two groups of eight hex bytes and ASCII:
//
//	0000: 3C 3F 78 6D 6C 20 76 65  72 73 69 6F 6E 3D 22 31  <?xml version="1
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		sb.WriteString(fmt.Sprintf("    %04X: ", offset))
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteString(" ")
			}
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")
		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// DebugLog logs to the global debug logger if one is installed.
func DebugLog(area, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(area, format, args...)
	}
}

// DebugTX dumps an outgoing payload to the global debug logger.
func DebugTX(area string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogTX(area, data)
	}
}

// DebugRX dumps an incoming payload to the global debug logger.
func DebugRX(area string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(area, data)
	}
}
