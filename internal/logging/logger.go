package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ProvisionLog represents a single completed preset-provisioning run.
type ProvisionLog struct {
	Timestamp    time.Time `json:"timestamp"`
	PresetID     string    `json:"preset_id"`
	Provider     string    `json:"provider"`
	SnapshotID   string    `json:"snapshot_id,omitempty"`
	TemplateID   string    `json:"template_id,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	ChainedBuild bool      `json:"chained_build"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	TaskCount    int       `json:"task_count,omitempty"`
	LayerCount   int       `json:"layer_count,omitempty"`
}

// Logger handles provisioning-run logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a provisioning-run log entry.
func (l *Logger) Log(entry *ProvisionLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		chained := ""
		if entry.ChainedBuild {
			chained = " [chained]"
		}
		fmt.Printf("[provision] %s %s %s %dms%s\n",
			status, entry.PresetID, entry.Provider, entry.DurationMs, chained)
		if entry.Error != "" {
			fmt.Printf("[provision]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
