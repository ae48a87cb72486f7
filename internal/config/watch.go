package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

// WatchFile observes path for external rewrites (the web collaborator
// persisting a new configuration) and funnels them through ReloadFile so
// both write paths — the explicit POST /config entry point and a raw file
// edit — go through the same validated snapshot swap. Runs until ctx is
// cancelled; a malformed rewrite is logged and ignored, leaving the
// previous snapshot live.
func (r *Registry) WatchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	log := r.log.With().Str("file", path).Logger()
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.ReloadFile(path); err != nil {
					log.Warn().Err(err).Msg("rejected external configuration rewrite, keeping previous snapshot")
					continue
				}
				log.Info().Msg("reloaded configuration from external rewrite")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
