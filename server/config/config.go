// process configuration: flags plus an optional hot-reloadable file.
// Bind is fixed at startup; Workers, GCInterval and ChunkSize may change
// at runtime via the watched config file.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kfcemployee/gofcgi/server/ferrors"
)

const (
	DefaultGCInterval = 10 * time.Second
	DefaultChunkSize  = 4086
)

// Config is the resolved process configuration.
type Config struct {
	Bind       string
	Workers    uint
	GCInterval time.Duration
	ChunkSize  int
	ConfigPath string
}

// Defaults returns a Config with every field at its documented default
// except Bind, which has none.
func Defaults() Config {
	return Config{
		Workers:    0,
		GCInterval: DefaultGCInterval,
		ChunkSize:  DefaultChunkSize,
	}
}

// Validate fails with ConfigFailure if the startup-required fields are
// missing or out of range.
func (c Config) Validate() error {
	if c.Bind == "" {
		return ferrors.New(ferrors.ConfigFailure, "bind address is required")
	}
	if c.ChunkSize <= 0 {
		return ferrors.New(ferrors.ConfigFailure, "chunk size must be positive")
	}
	return nil
}

// Reloadable is the subset of Config the file watcher may change after
// startup; Bind never changes without a process restart.
type Reloadable struct {
	Workers    uint
	GCInterval time.Duration
	ChunkSize  int
}

// parseFile reads a simple `key = value` config file — one assignment per
// line, `#` starts a comment — for Workers, GCInterval (seconds) and
// ChunkSize. Unrecognised keys are ignored rather than rejected, so the
// file can carry fields a future version understands.
func parseFile(path string) (Reloadable, error) {
	f, err := os.Open(path)
	if err != nil {
		return Reloadable{}, ferrors.Wrap(ferrors.ConfigFailure, err, "open config file")
	}
	defer f.Close()

	out := Reloadable{GCInterval: DefaultGCInterval, ChunkSize: DefaultChunkSize}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "workers":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return Reloadable{}, ferrors.Wrap(ferrors.ConfigFailure, err, "invalid workers value")
			}
			out.Workers = uint(n)
		case "gc_interval_seconds":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Reloadable{}, ferrors.Wrap(ferrors.ConfigFailure, err, "invalid gc_interval_seconds value")
			}
			out.GCInterval = time.Duration(n) * time.Second
		case "chunk_size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Reloadable{}, ferrors.Wrap(ferrors.ConfigFailure, err, "invalid chunk_size value")
			}
			out.ChunkSize = n
		}
	}
	if err := scanner.Err(); err != nil {
		return Reloadable{}, ferrors.Wrap(ferrors.ConfigFailure, err, "read config file")
	}
	return out, nil
}

// Watcher applies Reloadable updates from a config file as it changes on
// disk, via fsnotify.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onApply func(Reloadable)
	onError func(error)
}

// NewWatcher reads path once (failing fatally with ConfigFailure if it is
// malformed) and starts an fsnotify watch. onApply is called with the
// newly-parsed config on every write event that parses cleanly; a
// malformed reload is reported via onError and otherwise ignored,
// leaving the running config untouched.
func NewWatcher(path string, onApply func(Reloadable), onError func(error)) (*Watcher, Reloadable, error) {
	initial, err := parseFile(path)
	if err != nil {
		return nil, Reloadable{}, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, Reloadable{}, ferrors.Wrap(ferrors.ConfigFailure, err, "start config watcher")
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, Reloadable{}, ferrors.Wrap(ferrors.ConfigFailure, err, "watch config file")
	}

	w := &Watcher{path: path, watcher: fw, onApply: onApply, onError: onError}
	go w.run()
	return w, initial, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, err := parseFile(w.path)
			if err != nil {
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			w.onApply(reloaded)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
