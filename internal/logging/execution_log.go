package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ExecutionRecord is one entry of an agent run's in-memory log.
type ExecutionRecord struct {
	Level     string
	Timestamp time.Time
	Text      string
	NoMemory  bool // excluded from the snapshot handed to the evaluator
	NoPrint   bool // excluded from console mirroring
}

// ExecutionLog is the ordered per-run log threaded through step execution.
// Entries with NoMemory=false are the ground truth fed to the plan evaluator;
// [ERROR] entries appended after a step invocation trigger repair.
type ExecutionLog struct {
	mu      sync.Mutex
	records []ExecutionRecord
	mirror  *Logger
	echo    bool
}

// Tags wrapping entries with a specific audience.
const (
	TagExecutionOpen  = "<executionLog>"
	TagExecutionClose = "</executionLog>"
	TagFinalDataOpen  = "<finalAnswerDataLog>"
	TagFinalDataClose = "</finalAnswerDataLog>"
)

// ErrorMarker prefixes records that the executor treats as step failures.
const ErrorMarker = "[ERROR]"

// NewExecutionLog creates a run log that mirrors entries to the given
// category's file logger. Pass echo=true to also print to stdout.
func NewExecutionLog(category Category, echo bool) *ExecutionLog {
	return &ExecutionLog{mirror: Get(category), echo: echo}
}

// Flag marks applied to an appended record.
type Flag int

const (
	FlagNone     Flag = 0
	FlagNoMemory Flag = 1 << iota
	FlagNoPrint
)

func (e *ExecutionLog) append(level string, flags Flag, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	rec := ExecutionRecord{
		Level:     level,
		Timestamp: time.Now(),
		Text:      text,
		NoMemory:  flags&FlagNoMemory != 0,
		NoPrint:   flags&FlagNoPrint != 0,
	}

	e.mu.Lock()
	e.records = append(e.records, rec)
	e.mu.Unlock()

	if e.mirror != nil {
		switch level {
		case "error":
			e.mirror.Error("%s", text)
		case "warn":
			e.mirror.Warn("%s", text)
		default:
			e.mirror.Info("%s", text)
		}
	}
	if e.echo && !rec.NoPrint {
		fmt.Println(text)
	}
}

// Info appends an info record.
func (e *ExecutionLog) Info(format string, args ...interface{}) {
	e.append("info", FlagNone, format, args...)
}

// InfoFlagged appends an info record with explicit flags.
func (e *ExecutionLog) InfoFlagged(flags Flag, format string, args ...interface{}) {
	e.append("info", flags, format, args...)
}

// Warn appends a warn record.
func (e *ExecutionLog) Warn(format string, args ...interface{}) {
	e.append("warn", FlagNone, format, args...)
}

// Error appends an error record prefixed with the error marker.
func (e *ExecutionLog) Error(format string, args ...interface{}) {
	e.append("error", FlagNone, ErrorMarker+" "+format, args...)
}

// StepNarration appends a <executionLog>-tagged completion record. These are
// shown to the evaluator but carry no user-visible facts.
func (e *ExecutionLog) StepNarration(format string, args ...interface{}) {
	e.append("info", FlagNone, "%s", TagExecutionOpen+fmt.Sprintf(format, args...)+TagExecutionClose)
}

// FinalData appends a <finalAnswerDataLog>-tagged record carrying facts the
// final answer may quote.
func (e *ExecutionLog) FinalData(format string, args ...interface{}) {
	e.append("info", FlagNone, "%s", TagFinalDataOpen+fmt.Sprintf(format, args...)+TagFinalDataClose)
}

// Mark returns the current record count. Pass it to ErrorsSince to scan only
// entries appended after a step invocation.
func (e *ExecutionLog) Mark() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// ErrorsSince returns the concatenated text of [ERROR] records appended at or
// after the given mark, or "" when the step produced none.
func (e *ExecutionLog) ErrorsSince(mark int) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mark < 0 {
		mark = 0
	}
	var sb strings.Builder
	for i := mark; i < len(e.records); i++ {
		if strings.Contains(e.records[i].Text, ErrorMarker) {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(e.records[i].Text)
		}
	}
	return sb.String()
}

// MemorySnapshot returns the NoMemory=false record texts in order, trimmed to
// the most recent maxRecords when maxRecords > 0.
func (e *ExecutionLog) MemorySnapshot(maxRecords int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []string
	for _, rec := range e.records {
		if !rec.NoMemory {
			out = append(out, rec.Text)
		}
	}
	if maxRecords > 0 && len(out) > maxRecords {
		out = out[len(out)-maxRecords:]
	}
	return out
}

// Len returns the total number of records.
func (e *ExecutionLog) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}
