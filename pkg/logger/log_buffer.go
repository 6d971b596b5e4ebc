package logger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is a single log entry kept in the buffer.
type Entry struct {
	ID      int       `json:"id"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
}

// LogBuffer is a fixed-capacity ring of the most recent log entries. It
// implements logrus.Hook so it can be attached to the global logger.
type LogBuffer struct {
	lock         sync.RWMutex
	buffer       []*Entry
	totalEntries int
}

// NewLogBuffer creates a new LogBuffer with the given capacity.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{buffer: make([]*Entry, capacity)}
}

func (lb *LogBuffer) write(e *Entry) {
	lb.lock.Lock()
	defer lb.lock.Unlock()
	e.ID = lb.totalEntries
	lb.buffer[lb.totalEntries%len(lb.buffer)] = e
	lb.totalEntries++
}

// Entries returns the newest count entries, oldest first.
func (lb *LogBuffer) Entries(count int) []*Entry {
	lb.lock.RLock()
	defer lb.lock.RUnlock()

	if count <= 0 || count > len(lb.buffer) {
		count = len(lb.buffer)
	}
	if count > lb.totalEntries {
		count = lb.totalEntries
	}

	entries := make([]*Entry, 0, count)
	for i := lb.totalEntries - count; i < lb.totalEntries; i++ {
		entries = append(entries, lb.buffer[i%len(lb.buffer)])
	}
	return entries
}

// Fire implements the logrus.Hook interface.
func (lb *LogBuffer) Fire(entry *logrus.Entry) error {
	lb.write(&Entry{
		Message: messageAndFields(entry),
		Time:    entry.Time,
		Level:   entry.Level.String(),
	})
	return nil
}

// Levels implements the logrus.Hook interface.
func (lb *LogBuffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

func messageAndFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return entry.Message
	}

	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, key := range keys {
		fields = append(fields, fmt.Sprintf("%s=%q", key, fmt.Sprintf("%v", entry.Data[key])))
	}
	return entry.Message + "  " + strings.Join(fields, " ")
}
