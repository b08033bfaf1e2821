package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hivecore/hive/internal/manager"
)

// watchSpool submits task YAML files dropped into dir. Existing files
// are submitted on startup; new ones as fsnotify reports them. A
// submitted file is renamed with a .done suffix, a rejected one with
// .err, so nothing is picked up twice.
func watchSpool(ctx context.Context, dir string, mgr *manager.Manager) (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	for _, entry := range entries {
		if isTaskFile(entry.Name()) {
			ingest(filepath.Join(dir, entry.Name()), mgr)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if !isTaskFile(event.Name) {
					continue
				}
				// Writers may still be flushing when the event fires.
				time.Sleep(50 * time.Millisecond)
				ingest(event.Name, mgr)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[spool] watcher error: %v", err)
			}
		}
	}()
	return watcher, nil
}

func isTaskFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func ingest(path string, mgr *manager.Manager) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	task, err := readTaskFile(path)
	if err != nil {
		log.Printf("[spool] %s rejected: %v", path, err)
		markDone(path, ".err")
		return
	}
	id, err := mgr.Submit(task)
	if err != nil {
		log.Printf("[spool] %s rejected: %v", path, err)
		markDone(path, ".err")
		return
	}
	log.Printf("[spool] %s submitted as task %s", filepath.Base(path), id)
	markDone(path, ".done")
}

func markDone(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		log.Printf("[spool] rename %s: %v", path, err)
	}
}
