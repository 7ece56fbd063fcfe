// Package audit implements the optional audit log: a bitset of
// enabled RPC kinds loaded from a one-line config file, kept current by an
// fsnotify watch on the file's containing directory, and a writer that
// appends one space-separated-token line per audited event to a separate
// output file.
package audit

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind is one of the seven RPC operations the config file can enable.
type Kind uint8

// The closed set of auditable operations, matching the config file's token
// vocabulary exactly.
const (
	KindEditConfig Kind = 1 << iota
	KindGet
	KindGetConfig
	KindKillSession
	KindLock
	KindUnlock
	KindCloseSession
)

var tokenToKind = map[string]Kind{
	"edit-config":   KindEditConfig,
	"get":           KindGet,
	"get-config":    KindGetConfig,
	"kill-session":  KindKillSession,
	"lock":          KindLock,
	"unlock":        KindUnlock,
	"close-session": KindCloseSession,
}

// Log is the audit subsystem: a live bitset of enabled kinds plus the
// output file events are appended to. The zero value is not usable; build
// one with Open.
type Log struct {
	configPath string
	outputPath string

	mu      sync.RWMutex
	enabled Kind

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open loads the config file at configPath (missing file means nothing is
// enabled, not an error) and starts the directory watch that keeps the
// bitset current. Events matching an enabled Kind are appended to
// outputPath. Call Close when done.
func Open(configPath, outputPath string) (*Log, error) {
	l := &Log{configPath: configPath, outputPath: outputPath, done: make(chan struct{})}
	l.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "audit: creating file watcher")
	}
	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "audit: watching %s", dir)
	}
	l.watcher = watcher

	go l.watchLoop()
	return l, nil
}

// Close stops the directory watch. It is safe to call on a Log whose Open
// failed to start the watcher.
func (l *Log) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	return l.watcher.Close()
}

func (l *Log) watchLoop() {
	name := filepath.Base(l.configPath)
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				l.reload()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("audit: watch error: %v\n", err)
		}
	}
}

// reload re-reads the config file into the live bitset. A missing file
// clears every bit, matching the original's "logging = LOG_NONE" fallback.
func (l *Log) reload() {
	flags := l.parse()
	l.mu.Lock()
	l.enabled = flags
	l.mu.Unlock()
}

func (l *Log) parse() Kind {
	f, err := os.Open(l.configPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0
	}
	var flags Kind
	for _, tok := range strings.Fields(scanner.Text()) {
		if k, ok := tokenToKind[tok]; ok {
			flags |= k
		}
	}
	return flags
}

// Enabled reports whether kind is currently turned on in the config file.
func (l *Log) Enabled(kind Kind) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled&kind != 0
}

// Audit appends one line to the output file if the operation named by event
// maps to a Kind that is currently enabled. event must be one of the seven
// RPC names the config file uses ("get", "edit-config", ...); an unknown
// event is silently ignored, the same as an unknown config-file token.
func (l *Log) Audit(event, detail string) {
	kind, ok := tokenToKind[event]
	if !ok || !l.Enabled(kind) {
		return
	}
	// A fresh random id per record, distinct from the NETCONF session-id,
	// tags each audit line; it is not passed to trace hooks or any other
	// output of the process.
	line := fmt.Sprintf("%s %s %s %s\n", time.Now().UTC().Format(time.RFC3339), uuid.New().String(), event, detail)

	f, err := os.OpenFile(l.outputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		log.Printf("audit: opening %s: %v\n", l.outputPath, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		log.Printf("audit: writing %s: %v\n", l.outputPath, err)
	}
}
