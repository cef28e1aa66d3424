package model

import "time"

// LogLevel is the severity of a LogEntry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogSource identifies where a LogEntry originated.
type LogSource string

const (
	SourceContainer  LogSource = "container"
	SourceSystem     LogSource = "system"
	SourceSupervisor LogSource = "supervisor"
)

// LogEntry is one line in the finite, retention-bounded log stream.
type LogEntry struct {
	ID          int64     `json:"id,omitempty" db:"id"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	Level       LogLevel  `json:"level" db:"level"`
	Source      LogSource `json:"source" db:"source"`
	ServiceID   *int64    `json:"service_id,omitempty" db:"service_id"`
	ServiceName string    `json:"service_name,omitempty" db:"service_name"`
	ContainerID string    `json:"container_id,omitempty" db:"container_id"`
	IsStderr    bool      `json:"is_stderr" db:"is_stderr"`
	Message     string    `json:"message" db:"message"`
}

// LogQuery filters a local backend query.
type LogQuery struct {
	ServiceName string
	Level       LogLevel
	Since       time.Time
	Limit       int
}
