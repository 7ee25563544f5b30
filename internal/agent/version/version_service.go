package version

import (
	"runtime"
	"time"

	"topsql-collector/internal/config"
)

const Name = "topsql-collector"

// Set at build time with -ldflags "-X topsql-collector/internal/agent/version.Version=...".
var (
	Version = "v0.1.0-dev"
	Commit  = ""
)

func Get(cfg config.Config) *Info {
	return &Info{
		Name:            Name,
		Version:         Version,
		Commit:          Commit,
		GoVersion:       runtime.Version(),
		InstanceID:      cfg.InstanceID,
		SinkMode:        string(cfg.SinkMode),
		ProbeListenAddr: cfg.ProbeListenAddr,
		CheckedAtUnix:   time.Now().UTC().Unix(),
	}
}
