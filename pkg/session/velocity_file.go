package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"hexbase/control/pkg/proto"
)

// FileVelocity serves the velocity stored in a JSON file and reloads it
// whenever the file changes, so another process can steer the base while a
// session runs. Unreadable content keeps the last good velocity.
type FileVelocity struct {
	path string

	mu  sync.RWMutex
	cur proto.XYZSpeed

	w    *fsnotify.Watcher
	done chan struct{}
}

// WatchVelocityFile starts watching path. initial is used until the file
// exists and parses.
func WatchVelocityFile(path string, initial proto.XYZSpeed) (*FileVelocity, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory so editors that replace the file are seen
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	f := &FileVelocity{
		path: abs,
		cur:  initial,
		w:    w,
		done: make(chan struct{}),
	}
	if _, err := os.Stat(abs); err == nil {
		f.reload()
	}
	go f.watch()
	return f, nil
}

func (f *FileVelocity) Velocity() proto.XYZSpeed {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cur
}

// Close stops watching.
func (f *FileVelocity) Close() error {
	err := f.w.Close()
	<-f.done
	return err
}

func (f *FileVelocity) watch() {
	defer close(f.done)
	for {
		select {
		case ev, ok := <-f.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && filepath.Base(ev.Name) == filepath.Base(f.path) {
				f.reload()
			}
		case err, ok := <-f.w.Errors:
			if !ok {
				return
			}
			log.Printf("[VEL] watch %s: %v", f.path, err)
		}
	}
}

func (f *FileVelocity) reload() {
	v, err := readVelocity(f.path)
	if err != nil {
		log.Printf("[VEL] keeping previous velocity: %v", err)
		return
	}
	f.mu.Lock()
	f.cur = v
	f.mu.Unlock()
}

func readVelocity(path string) (proto.XYZSpeed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return proto.XYZSpeed{}, err
	}
	var v proto.XYZSpeed
	if err := json.Unmarshal(b, &v); err != nil {
		return proto.XYZSpeed{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}
