package exshopify

import (
	"fmt"
	"log"
)

// Logger lets you route the messages logged by the dispatcher
// and its partition workers to your own logging facility.
//
// When no Logger is configured the messages are written
// with log.Default(), tagged with their level.
//
// Pass exshopify.NewNoOpLogger() in the Config
// to silence the dispatcher completely.
type Logger interface {
	Debug(string)
	Info(string)
	Warning(string)
	Error(string)
}

type defaultLogger struct {
	// target defaults to log.Default() when nil
	target *log.Logger
}

func (l *defaultLogger) print(level, text string) {
	target := l.target
	if target == nil {
		target = log.Default()
	}
	target.Printf("[exshopify] [%s] %v", level, text)
}

func (l *defaultLogger) Debug(text string) {
	l.print("debug", text)
}
func (l *defaultLogger) Info(text string) {
	l.print("info", text)
}
func (l *defaultLogger) Warning(text string) {
	l.print("WARNING", text)
}
func (l *defaultLogger) Error(text string) {
	l.print("ERROR", text)
}

func NewNoOpLogger() Logger {
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Debug(string)   {}
func (noOpLogger) Info(string)    {}
func (noOpLogger) Warning(string) {}
func (noOpLogger) Error(string)   {}

// partitionLogger tags every line with the partition it refers to.
type partitionLogger struct {
	parent Logger
	prefix string
}

func newPartitionLogger(parent Logger, key PartitionKey) Logger {
	return &partitionLogger{
		parent: parent,
		prefix: fmt.Sprintf("[partition %s] ", key),
	}
}

func (l *partitionLogger) Debug(text string) {
	l.parent.Debug(l.prefix + text)
}
func (l *partitionLogger) Info(text string) {
	l.parent.Info(l.prefix + text)
}
func (l *partitionLogger) Warning(text string) {
	l.parent.Warning(l.prefix + text)
}
func (l *partitionLogger) Error(text string) {
	l.parent.Error(l.prefix + text)
}
