package utils

import (
	"os"
	"path/filepath"

	"github.com/omnibridge/omnibridge/core/config"
)

// GetChannelStoragePath returns the directory for a channel's per-account
// state (device databases, media), creating it on first use. An empty base
// falls back to the configured storages root.
func GetChannelStoragePath(base, channelType, subfolder string) string {
	if base == "" {
		base = config.Global.Paths.Storages
	}
	path := filepath.Join(base, channelType, subfolder)
	_ = os.MkdirAll(path, 0o755)
	return path
}
