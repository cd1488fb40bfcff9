// Package config loads and validates the two runtime configuration blocks
// that gridworks nodes are started with: the collision controller's
// thresholds and the page store's file layout.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gridworks/pkg/helper/errors"
)

// Config is the top-level configuration for a gridworks node.
type Config struct {
	LogLevel string

	Collision CollisionConfig
	PageStore PageStoreConfig
}

// CollisionConfig holds the tunables consumed by pkg/collision.Engine,
// mirroring the published peer attributes a node advertises at join time.
type CollisionConfig struct {
	// ActiveJobsThreshold is the number of concurrently running jobs above
	// which checkBusy starts looking for jobs to surrender.
	ActiveJobsThreshold int

	// WaitJobsThreshold is the waiting-queue depth checkBusy keeps locally
	// when surrendering jobs to peers; together with ActiveJobsThreshold it
	// also sets the capacity checkIdle tries to fill by asking peers for work.
	WaitJobsThreshold int

	// MsgExpireTime bounds how long an inbound or outbound MessageInfo stays
	// valid. Expired inbound requests are dropped and their capacity
	// reclaimed; an expired outbound request may be replaced by a new one.
	MsgExpireTime time.Duration

	// MaxStealingAttempts caps how many times a single job may be
	// surrendered to a peer; a job at the cap is no longer offered to peers.
	MaxStealingAttempts int

	// StealingEnabled gates checkIdle: when false, OnCollision never sends
	// steal requests, but checkBusy still activates jobs by priority and
	// surrenders jobs to peers that have asked for work.
	StealingEnabled bool

	// StealingAttributes lists peer attributes (key and value) a peer must
	// advertise before checkIdle sends it a steal request. They are also
	// included in PublishedAttributes.
	StealingAttributes map[string]string
}

// PageStoreConfig holds the tunables consumed by pkg/pagestore.PageFile.
type PageStoreConfig struct {
	Path     string
	Type     uint8
	PageSize uint32
	SkipCRC  bool
}

// NewDefaultConfig returns the configuration a freshly started node uses
// absent any file or environment overrides.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Collision: CollisionConfig{
			ActiveJobsThreshold: 4,
			WaitJobsThreshold:   10,
			MsgExpireTime:       1 * time.Second,
			MaxStealingAttempts: 5,
			StealingEnabled:     true,
			StealingAttributes:  map[string]string{},
		},
		PageStore: PageStoreConfig{
			Path:     "${HOME}/.gridworks/store.page",
			Type:     1,
			PageSize: 4096,
			SkipCRC:  false,
		},
	}
}

// PublishedAttributes returns the peer attribute set a node advertises over
// discovery, so remote nodes can detect drift in collision configuration
// before it causes lopsided stealing behavior. Key names are duplicated as
// literals here, rather than imported from pkg/collision, to avoid an
// import cycle (pkg/collision already depends on this package); they must
// be kept in lockstep with the *Attr constants there.
func (c *CollisionConfig) PublishedAttributes() map[string]string {
	attrs := map[string]string{
		"gridgain.collision.wait.jobs.threshold":   strconv.Itoa(c.WaitJobsThreshold),
		"gridgain.collision.active.jobs.threshold": strconv.Itoa(c.ActiveJobsThreshold),
		"gridgain.stealing.max.attempts":            strconv.Itoa(c.MaxStealingAttempts),
		"gridgain.stealing.msg.expire.time":        c.MsgExpireTime.String(),
	}
	for k, v := range c.StealingAttributes {
		attrs[k] = v
	}
	return attrs
}

// ExpandHomeDir expands a leading ~ or ${HOME} in path to the user's home
// directory, matching the convention used by checkpoint/page-store paths.
func ExpandHomeDir(path string) string {
	if path == "" {
		return path
	}

	if strings.Contains(path, "${HOME}") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			path = strings.ReplaceAll(path, "${HOME}", homeDir)
		}
	}

	if strings.HasPrefix(path, "~") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return path
}

// Validate checks the configuration for out-of-range values, returning
// ErrConfigInvalid wrapped with the offending field on failure.
func (c *Config) Validate() error {
	logLevel := strings.ToLower(c.LogLevel)
	switch logLevel {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return errors.ConfigInvalidf("invalid log level: %s (must be one of: debug, info, warn, error, fatal)", c.LogLevel)
	}

	if c.Collision.ActiveJobsThreshold < 0 {
		return errors.ConfigInvalidf("collision.activeJobsThreshold must be non-negative")
	}
	if c.Collision.WaitJobsThreshold < 0 {
		return errors.ConfigInvalidf("collision.waitJobsThreshold must be non-negative")
	}
	if c.Collision.MaxStealingAttempts < 1 {
		return errors.ConfigInvalidf("collision.maxStealingAttempts must be at least 1")
	}
	if c.Collision.MsgExpireTime <= 0 {
		return errors.ConfigInvalidf("collision.msgExpireTime must be positive")
	}

	if c.PageStore.PageSize == 0 {
		return errors.ConfigInvalidf("pageStore.pageSize must be positive")
	}
	if c.PageStore.PageSize > 1<<28 {
		return errors.ConfigInvalidf("pageStore.pageSize is too large: %d", c.PageStore.PageSize)
	}
	if c.PageStore.Path == "" {
		return errors.ConfigInvalidf("pageStore.path must not be empty")
	}

	return nil
}
