// Package logging provides the structured, component-tagged logger used
// throughout the snapshot engine. Every package logs through a *Logger
// instead of the stdlib log package so that snapshot name, request id and
// partition id travel with every line.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Entry is one structured log line.
type Entry struct {
	Timestamp    time.Time              `json:"timestamp"`
	Level        string                 `json:"level"`
	Component    string                 `json:"component"`
	SnapshotName string                 `json:"snapshot_name,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	GroupID      int32                  `json:"group_id,omitempty"`
	PartitionID  int32                  `json:"partition_id,omitempty"`
	Message      string                 `json:"message"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
}

// Output is a sink for log entries; JSONOutput is the only implementation
// shipped here.
type Output interface {
	Write(e *Entry) error
}

// JSONOutput writes newline-delimited JSON to an io.Writer.
type JSONOutput struct {
	w     io.Writer
	mutex sync.Mutex
}

// NewJSONOutput returns an Output that serializes each Entry as one JSON line.
func NewJSONOutput(w io.Writer) *JSONOutput {
	return &JSONOutput{w: w}
}

func (j *JSONOutput) Write(e *Entry) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	_, err = j.w.Write(append(data, '\n'))
	return err
}

// Logger is an immutable, context-carrying structured logger. Deriving a
// child logger (With*) never mutates the parent.
type Logger struct {
	level     Level
	outputs   []Output
	component string

	snapshotName string
	requestID    string
	groupID      int32
	partitionID  int32
	hasPartition bool
}

// Config configures a root Logger.
type Config struct {
	Level     Level
	Component string
	Outputs   []Output
}

// New creates a root logger. With no outputs configured it logs JSON to
// stdout.
func New(cfg Config) *Logger {
	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []Output{NewJSONOutput(os.Stdout)}
	}
	return &Logger{level: cfg.Level, outputs: outputs, component: cfg.Component}
}

func (l *Logger) clone() *Logger {
	cp := *l
	return &cp
}

// WithComponent returns a derived logger tagged with a different component name.
func (l *Logger) WithComponent(component string) *Logger {
	cp := l.clone()
	cp.component = component
	return cp
}

// WithSnapshot returns a derived logger tagged with a snapshot name.
func (l *Logger) WithSnapshot(name string) *Logger {
	cp := l.clone()
	cp.snapshotName = name
	return cp
}

// WithRequest returns a derived logger tagged with a cluster request id.
func (l *Logger) WithRequest(requestID string) *Logger {
	cp := l.clone()
	cp.requestID = requestID
	return cp
}

// WithPartition returns a derived logger tagged with a (groupId, partitionId) pair.
func (l *Logger) WithPartition(groupID, partitionID int32) *Logger {
	cp := l.clone()
	cp.groupID = groupID
	cp.partitionID = partitionID
	cp.hasPartition = true
	return cp
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := &Entry{
		Timestamp:    time.Now().UTC(),
		Level:        level.String(),
		Component:    l.component,
		SnapshotName: l.snapshotName,
		RequestID:    l.requestID,
		Message:      message,
		Fields:       fields,
	}
	if l.hasPartition {
		entry.GroupID = l.groupID
		entry.PartitionID = l.partitionID
	}

	for _, out := range l.outputs {
		if err := out.Write(entry); err != nil {
			fmt.Fprintf(os.Stderr, "logging: failed to write entry: %v\n", err)
		}
	}
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) { l.log(Debug, msg, first(fields)) }
func (l *Logger) Info(msg string, fields ...map[string]interface{})  { l.log(Info, msg, first(fields)) }
func (l *Logger) Warn(msg string, fields ...map[string]interface{})  { l.log(Warn, msg, first(fields)) }
func (l *Logger) Error(msg string, fields ...map[string]interface{}) { l.log(Error, msg, first(fields)) }

func first(m []map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	return m[0]
}
