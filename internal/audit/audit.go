// Package audit records who did what from where. Best effort: the gateway
// never fails an operation because its audit trail lagged.
package audit

import (
	"log"
	"strconv"
	"sync"
)

// Entry is one recorded action.
type Entry struct {
	Action   string                 `json:"action"`
	UserID   *int64                 `json:"user_id,omitempty"`
	Username string                 `json:"username,omitempty"`
	ClientIP string                 `json:"client_ip,omitempty"`
	Resource string                 `json:"resource"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
}

// Sink receives entries. Implementations must not block the caller.
type Sink interface {
	Log(e Entry)
}

// Logger is the default sink: entries are queued and written by one
// background goroutine. A full queue drops the entry rather than stall the
// operation being audited.
type Logger struct {
	ch     chan Entry
	logger *log.Logger
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewLogger starts the drain goroutine.
func NewLogger() *Logger {
	l := &Logger{
		ch:     make(chan Entry, 1024),
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Log queues one entry, dropping it when the queue is full.
func (l *Logger) Log(e Entry) {
	select {
	case l.ch <- e:
	default:
	}
}

// Close flushes queued entries and stops the drain goroutine.
func (l *Logger) Close() {
	l.closeOnce.Do(func() { close(l.ch) })
	l.wg.Wait()
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for e := range l.ch {
		user := e.Username
		if user == "" && e.UserID != nil {
			user = "user-" + strconv.FormatInt(*e.UserID, 10)
		}
		if user == "" {
			user = "anonymous"
		}
		l.logger.Printf("action=%s user=%s ip=%s resource=%s", e.Action, user, e.ClientIP, e.Resource)
	}
}
