// Package audit writes a persistent JSONL trail of query pipeline events
// for compliance review of what was asked and what evidence was shown.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"emr-query-engine/internal/logging"
)

// EventType represents the type of audit event
type EventType string

const (
	EventTypeQuery          EventType = "query"
	EventTypeSessionCreate  EventType = "session_create"
	EventTypeIngest         EventType = "ingest"
	EventTypeEvaluation     EventType = "evaluation"
	EventTypeError          EventType = "error"
	EventTypeSystemStart    EventType = "system_start"
	EventTypeSystemShutdown EventType = "system_shutdown"
)

// Event is a single audit log entry
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	QueryID    string                 `json:"query_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	PatientID  string                 `json:"patient_id,omitempty"`
	Intent     string                 `json:"intent,omitempty"`
	Action     string                 `json:"action"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	DurationMS int64                  `json:"duration_ms,omitempty"`
}

const (
	flushThreshold = 100
	maxFileSize    = 100 * 1024 * 1024
	retention      = 90 * 24 * time.Hour
)

// Logger buffers events and appends them to rotating JSONL files
type Logger struct {
	baseDir     string
	currentFile *os.File
	mu          sync.Mutex
	buffer      []Event
	flushTicker *time.Ticker
	stopOnce    sync.Once

	eventCount map[EventType]int64
	errorCount int64
	lastFlush  time.Time
	log        logging.Logger
}

// NewLogger creates an audit logger writing under baseDir
func NewLogger(baseDir string, log logging.Logger) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	al := &Logger{
		baseDir:     baseDir,
		buffer:      make([]Event, 0, flushThreshold),
		flushTicker: time.NewTicker(30 * time.Second),
		eventCount:  make(map[EventType]int64),
		lastFlush:   time.Now(),
		log:         log.WithComponent("audit"),
	}

	if err := al.rotateFile(); err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	go al.flushLoop()
	go al.cleanupLoop()

	al.record(Event{
		EventType: EventTypeSystemStart,
		Action:    "audit trail started",
		Success:   true,
	})
	return al, nil
}

// LogQuery records one completed query with its outcome
func (al *Logger) LogQuery(_ context.Context, queryID, sessionID, patientID, intent string, success bool, durationMS int64, details map[string]interface{}) {
	al.record(Event{
		EventType:  EventTypeQuery,
		QueryID:    queryID,
		SessionID:  sessionID,
		PatientID:  patientID,
		Intent:     intent,
		Action:     "query answered",
		Details:    details,
		Success:    success,
		DurationMS: durationMS,
	})
}

// LogEvent records a generic pipeline event
func (al *Logger) LogEvent(_ context.Context, eventType EventType, action string, details map[string]interface{}) {
	al.record(Event{
		EventType: eventType,
		Action:    action,
		Details:   details,
		Success:   true,
	})
}

// LogError records a failed operation
func (al *Logger) LogError(_ context.Context, eventType EventType, action string, err error, details map[string]interface{}) {
	al.record(Event{
		EventType: eventType,
		Action:    action,
		Details:   details,
		Success:   false,
		Error:     err.Error(),
	})

	al.mu.Lock()
	al.errorCount++
	al.mu.Unlock()
}

func (al *Logger) record(event Event) {
	event.ID = generateEventID()
	event.Timestamp = time.Now().UTC()

	al.mu.Lock()
	defer al.mu.Unlock()

	al.buffer = append(al.buffer, event)
	al.eventCount[event.EventType]++

	if len(al.buffer) >= flushThreshold {
		al.flush()
	}
}

// flush writes buffered events to disk; callers must hold the mutex
func (al *Logger) flush() {
	if len(al.buffer) == 0 {
		return
	}

	if al.currentFile != nil {
		if info, err := al.currentFile.Stat(); err == nil && info.Size() > maxFileSize {
			_ = al.rotateFile()
		}
	}

	encoder := json.NewEncoder(al.currentFile)
	for _, event := range al.buffer {
		if err := encoder.Encode(event); err != nil {
			al.log.Error("Failed to write audit event", "error", err.Error(), "event_id", event.ID)
		}
	}

	al.buffer = al.buffer[:0]
	al.lastFlush = time.Now()
}

func (al *Logger) flushLoop() {
	for range al.flushTicker.C {
		al.mu.Lock()
		al.flush()
		al.mu.Unlock()
	}
}

func (al *Logger) rotateFile() error {
	if al.currentFile != nil {
		_ = al.currentFile.Close()
	}

	filename := fmt.Sprintf("audit_%s.jsonl", time.Now().Format("20060102_150405"))
	fullPath := filepath.Join(al.baseDir, filename)

	file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- operator-supplied dir plus timestamp
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	al.currentFile = file

	currentLink := filepath.Join(al.baseDir, "current.jsonl")
	_ = os.Remove(currentLink)
	_ = os.Symlink(filename, currentLink)

	return nil
}

func (al *Logger) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	for range ticker.C {
		al.cleanup()
	}
}

func (al *Logger) cleanup() {
	cutoff := time.Now().Add(-retention)

	files, err := os.ReadDir(al.baseDir)
	if err != nil {
		al.log.Error("Failed to read audit directory", "error", err.Error())
		return
	}

	for _, file := range files {
		if file.IsDir() || !isAuditFile(file.Name()) {
			continue
		}
		fullPath := filepath.Join(al.baseDir, file.Name())
		info, err := os.Stat(fullPath)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(fullPath); err != nil {
				al.log.Error("Failed to remove old audit file", "file", fullPath, "error", err.Error())
			}
		}
	}
}

// Statistics returns event counts and flush state
func (al *Logger) Statistics() map[string]interface{} {
	al.mu.Lock()
	defer al.mu.Unlock()

	var total int64
	byType := make(map[EventType]int64, len(al.eventCount))
	for et, n := range al.eventCount {
		byType[et] = n
		total += n
	}
	return map[string]interface{}{
		"total_events":   total,
		"error_count":    al.errorCount,
		"events_by_type": byType,
		"buffer_size":    len(al.buffer),
		"last_flush":     al.lastFlush,
	}
}

// SearchCriteria filters an audit search
type SearchCriteria struct {
	StartTime  time.Time
	EndTime    time.Time
	EventTypes []EventType
	QueryID    string
	SessionID  string
	PatientID  string
	Success    *bool
	Limit      int
}

// Matches reports whether an event satisfies the criteria
func (sc SearchCriteria) Matches(event Event) bool {
	if !sc.StartTime.IsZero() && event.Timestamp.Before(sc.StartTime) {
		return false
	}
	if !sc.EndTime.IsZero() && event.Timestamp.After(sc.EndTime) {
		return false
	}
	if len(sc.EventTypes) > 0 {
		found := false
		for _, et := range sc.EventTypes {
			if event.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if sc.QueryID != "" && event.QueryID != sc.QueryID {
		return false
	}
	if sc.SessionID != "" && event.SessionID != sc.SessionID {
		return false
	}
	if sc.PatientID != "" && event.PatientID != sc.PatientID {
		return false
	}
	if sc.Success != nil && event.Success != *sc.Success {
		return false
	}
	return true
}

// Search scans the audit files for events matching the criteria
func (al *Logger) Search(_ context.Context, criteria SearchCriteria) ([]Event, error) {
	al.mu.Lock()
	al.flush()
	al.mu.Unlock()

	files, err := os.ReadDir(al.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit directory: %w", err)
	}

	var events []Event
	for _, file := range files {
		if file.IsDir() || !isAuditFile(file.Name()) {
			continue
		}
		fileEvents, err := al.searchFile(file.Name(), criteria)
		if err != nil {
			al.log.Error("Failed to search audit file", "file", file.Name(), "error", err.Error())
			continue
		}
		events = append(events, fileEvents...)
	}

	if criteria.Limit > 0 && len(events) > criteria.Limit {
		events = events[:criteria.Limit]
	}
	return events, nil
}

func (al *Logger) searchFile(filename string, criteria SearchCriteria) ([]Event, error) {
	cleanPath := filepath.Clean(filepath.Join(al.baseDir, filename))
	if !strings.HasPrefix(cleanPath, filepath.Clean(al.baseDir)) {
		return nil, fmt.Errorf("invalid filename")
	}

	file, err := os.Open(cleanPath) // #nosec G304 -- path is cleaned and prefix checked
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var events []Event
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			continue
		}
		if criteria.Matches(event) {
			events = append(events, event)
		}
	}
	return events, nil
}

// Stop flushes outstanding events and closes the current file
func (al *Logger) Stop() {
	al.stopOnce.Do(func() {
		al.flushTicker.Stop()

		al.mu.Lock()
		defer al.mu.Unlock()

		al.buffer = append(al.buffer, Event{
			ID:        generateEventID(),
			Timestamp: time.Now().UTC(),
			EventType: EventTypeSystemShutdown,
			Action:    "audit trail stopped",
			Success:   true,
		})
		al.flush()

		if al.currentFile != nil {
			_ = al.currentFile.Close()
		}
	})
}

func generateEventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), os.Getpid())
}

func isAuditFile(filename string) bool {
	return strings.HasPrefix(filename, "audit_") && filepath.Ext(filename) == ".jsonl"
}
