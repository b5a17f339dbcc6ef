// Package statslog implements the transfer-session statistics log named in
// spec §6: an append-only, size-rotated writer of classad.Attrs-formatted
// records, styled after the teacher's structured/leveled logging.Logger
// (internal/logging/slog.go) but writing raw attribute records to a plain
// file instead of slog JSON to a stream, since §6 requires the on-disk
// text form the plugin contract also uses.
package statslog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/relayforge/relayforge/internal/classad"
)

// MaxSize is the size threshold at which the log rotates to a ".old"
// sibling, per spec §6.
const MaxSize = 5 * 1024 * 1024

// Log is a size-rotated append-only statistics log.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// Open opens (creating if necessary) the statistics log at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Log{path: path, f: f, size: info.Size()}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Write appends one attribute record, prefixed with a Timestamp field, and
// rotates to <path>.old first if the log has grown past MaxSize.
func (l *Log) Write(attrs *classad.Attrs) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size >= MaxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	stamped := classad.New()
	stamped.SetInt("Timestamp", time.Now().Unix())
	for _, k := range attrs.Keys() {
		copyField(stamped, attrs, k)
	}

	n, err := stamped.WriteTo(l.f)
	if err != nil {
		return err
	}
	trailer, err := fmt.Fprintln(l.f)
	if err != nil {
		return err
	}
	l.size += n + int64(trailer)
	return nil
}

// copyField copies one field from src to dst regardless of its dynamic
// type, since Attrs exposes typed getters rather than an untyped Get.
func copyField(dst, src *classad.Attrs, key string) {
	if v, ok := src.GetString(key); ok {
		dst.SetString(key, v)
		return
	}
	if v, ok := src.GetInt(key); ok {
		dst.SetInt(key, v)
		return
	}
	if v, ok := src.GetBool(key); ok {
		dst.SetBool(key, v)
		return
	}
	if v, ok := src.GetStringList(key); ok {
		dst.SetStringList(key, v)
	}
}

// rotate renames the current log to <path>.old (replacing any prior
// rotation) and starts a fresh file. Caller must hold l.mu.
func (l *Log) rotate() error {
	if err := l.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(l.path, l.path+".old"); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.f = f
	l.size = 0
	return nil
}
