package config

import (
	"net/url"
	"os"

	"github.com/teranos/pulsed/errors"
)

const masked = "********"

// sensitiveKeys are masked by Settings
var sensitiveKeys = []string{"database.dsn", "redis.password", "server.jwt_secret"}

// Settings returns the merged settings keyed as in the config file: defaults,
// then files, then environment. configPath replaces the file lookup when set.
// Secrets are masked; a postgres DSN keeps everything but its password.
func Settings(configPath string) (map[string]interface{}, error) {
	v := newViper()
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
		mergeConfigFiles(v, configPath)
	} else {
		mergeConfigFiles(v, configPaths()...)
	}

	for _, key := range sensitiveKeys {
		val := v.GetString(key)
		if val == "" {
			continue
		}
		if key == "database.dsn" {
			v.Set(key, redactDSN(val))
			continue
		}
		v.Set(key, masked)
	}
	return v.AllSettings(), nil
}

// SearchPath is one config file location.
type SearchPath struct {
	Path   string
	Exists bool
}

// SearchPaths lists every config file location in precedence order, lowest
// first.
func SearchPaths() []SearchPath {
	paths := configPaths()
	if findProjectConfig() == "" {
		paths = append(paths, ProjectConfigName)
	}
	out := make([]SearchPath, 0, len(paths))
	for _, p := range paths {
		_, err := os.Stat(p)
		out = append(out, SearchPath{Path: p, Exists: err == nil})
	}
	return out
}

// redactDSN hides the password of a URL DSN. File paths pass through.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), masked)
	}
	return u.String()
}
