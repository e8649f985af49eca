package logging

import (
	"fmt"
	"log"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Field is a single structured key=value pair appended to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Msg formats msg followed by space-separated key=value pairs, matching the
// inline-identifier style of "Transit worker: deleted %d overlapping %s
// transits in range [%v, %v]" but for the variable fields (group_id, stage,
// error_code) that vary per call site.
func Msg(msg string, fields ...Field) string {
	for _, f := range fields {
		msg += fmt.Sprintf(" %s=%v", f.Key, f.Value)
	}
	return msg
}
