package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gridworks/pkg/helper/errors"

	"gopkg.in/yaml.v3"
)

// LoadFromFile loads configuration from a YAML file, falling back to
// defaults for anything the file and environment don't set.
func LoadFromFile(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		expandedPath := ExpandHomeDir(configPath)

		if _, err := os.Stat(expandedPath); os.IsNotExist(err) {
			return nil, errors.NotFoundf("configuration file not found: %s", expandedPath)
		}

		data, err := os.ReadFile(expandedPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read configuration file")
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrap(err, "failed to parse configuration file")
		}
	}

	if err := loadFromEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadFromEnv applies GRIDWORKS_* environment variable overrides on top of
// whatever LoadFromFile already populated.
func loadFromEnv(config *Config) error {
	if v, ok := os.LookupEnv("GRIDWORKS_LOG_LEVEL"); ok && v != "" {
		config.LogLevel = v
	}

	if v, ok := os.LookupEnv("GRIDWORKS_COLLISION_ACTIVE_JOBS_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			config.Collision.ActiveJobsThreshold = n
		}
	}
	if v, ok := os.LookupEnv("GRIDWORKS_COLLISION_WAIT_JOBS_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			config.Collision.WaitJobsThreshold = n
		}
	}
	if v, ok := os.LookupEnv("GRIDWORKS_COLLISION_MAX_STEALING_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			config.Collision.MaxStealingAttempts = n
		}
	}
	if v, ok := os.LookupEnv("GRIDWORKS_COLLISION_MSG_EXPIRE_TIME"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			config.Collision.MsgExpireTime = d
		}
	}
	if v, ok := os.LookupEnv("GRIDWORKS_COLLISION_STEALING_ENABLED"); ok {
		config.Collision.StealingEnabled = strings.ToLower(v) == "true" || v == "1"
	}

	if v, ok := os.LookupEnv("GRIDWORKS_PAGESTORE_PATH"); ok && v != "" {
		config.PageStore.Path = v
	}
	if v, ok := os.LookupEnv("GRIDWORKS_PAGESTORE_PAGE_SIZE"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			config.PageStore.PageSize = uint32(n)
		}
	}
	if v, ok := os.LookupEnv("GRIDWORKS_PAGESTORE_SKIP_CRC"); ok {
		config.PageStore.SkipCRC = strings.ToLower(v) == "true" || v == "1"
	}

	return nil
}

// SaveToFile writes the configuration back out as YAML, mirroring the
// round-trip LoadFromFile performs.
func (c *Config) SaveToFile(filePath string) error {
	expandedPath := ExpandHomeDir(filePath)

	file, err := os.Create(expandedPath)
	if err != nil {
		return errors.Wrap(err, "failed to create configuration file")
	}
	defer file.Close()

	encoder := yaml.NewEncoder(file)
	defer encoder.Close()
	if err := encoder.Encode(c); err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}

	return nil
}
