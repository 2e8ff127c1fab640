package main

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/config"
)

// newModelWatcher watches every configured model root that exists.
func newModelWatcher(paths config.Paths) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	roots := append([]string{paths.UserModelsDir, paths.BundledModelsDir}, paths.CustomModelsDirs...)
	watched := 0
	for _, dir := range roots {
		if dir == "" {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("not watching model root")
			continue
		}
		watched++
	}
	log.Info().Int("dirs", watched).Msg("watching model roots")
	return watcher, nil
}
