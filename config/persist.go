package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/pulsed/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete oldest backup")
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, 0644); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

// loadRaw reads a TOML file into a generic map, or returns an empty map if absent
func loadRaw(configPath string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return raw, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return raw, nil
}

// save writes raw back to configPath with a backup, marking the write as our
// own when a watcher is given.
func save(raw map[string]interface{}, configPath string, w *Watcher) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if w != nil {
		w.MarkOwnWrite()
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}

// SaveQueue declares or updates a queue in the config file so that it
// survives restarts. Other settings in the file are preserved.
func SaveQueue(configPath, name string, queue QueueConfig, w *Watcher) error {
	if name == "" {
		return errors.New("queue name is required")
	}
	if queue.MaxConcurrentJobs < 1 {
		return errors.Newf("max_concurrent_jobs must be >= 1, got %d", queue.MaxConcurrentJobs)
	}

	raw, err := loadRaw(configPath)
	if err != nil {
		return err
	}

	queues, ok := raw["queues"].(map[string]interface{})
	if !ok {
		queues = make(map[string]interface{})
	}
	queues[name] = map[string]interface{}{
		"description":         queue.Description,
		"max_concurrent_jobs": queue.MaxConcurrentJobs,
	}
	raw["queues"] = queues

	return save(raw, configPath, w)
}
