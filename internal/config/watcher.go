package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"modbus-gateway/internal/catalog"
)

// Watcher reloads the device list from path whenever the file changes on
// disk and hands the new list to onReload. Editors often replace a file
// rather than write it in place (vim, some IDEs emit Remove+Create), so
// both Write and Create are treated as a reload trigger, mirroring the
// event-classification idiom in arx-os-arxos's file watcher.
type Watcher struct {
	path     string
	onReload func([]catalog.Device)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// Start begins watching path's containing directory (watching the
// directory, not the file, survives editors that replace the file via
// rename) and runs an initial load immediately.
func Start(path string, onReload func(devices []catalog.Device)) (*Watcher, error) {
	devices, err := LoadYAML(path)
	if err != nil {
		return nil, err
	}
	onReload(devices)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	w := &Watcher{path: path, onReload: onReload, watcher: fw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	target := filepath.Clean(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			devices, err := LoadYAML(w.path)
			if err != nil {
				log.Printf("config: reload %s failed, keeping previous devices: %v", w.path, err)
				continue
			}
			w.onReload(devices)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
