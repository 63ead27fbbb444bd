package watcher

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Source delivers raw filesystem notifications for the directories added to
// it. Handles are not recursive.
type Source interface {
	Add(path string) error
	Remove(path string) error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Close() error
}

type fsnotifySource struct {
	w *fsnotify.Watcher
}

// NewFSSource returns a Source backed by the platform notifier.
func NewFSSource() (Source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	return &fsnotifySource{w: w}, nil
}

func (s *fsnotifySource) Add(path string) error    { return s.w.Add(path) }
func (s *fsnotifySource) Remove(path string) error { return s.w.Remove(path) }
func (s *fsnotifySource) Events() <-chan fsnotify.Event {
	return s.w.Events
}
func (s *fsnotifySource) Errors() <-chan error { return s.w.Errors }
func (s *fsnotifySource) Close() error         { return s.w.Close() }
