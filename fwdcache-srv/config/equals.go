package config

import (
	"bytes"
	"os"
	"slices"

	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

// HasChanged returns true if the configuration has changed compared to another config.
// Filter list files are compared by content so that editing a list triggers a reload.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.ProxyProtocol != b.ProxyProtocol ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.BufferSize != b.BufferSize ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if a.Timeouts != b.Timeouts {
		return true
	}
	if a.Cache != b.Cache {
		return true
	}
	if !filterEqual(a.Filter, b.Filter) {
		return true
	}
	if a.Database != b.Database || a.Statistics != b.Statistics {
		return true
	}
	return !upstreamEqual(a.Upstream, b.Upstream)
}

func filterEqual(a, b FilterConfig) bool {
	if a.Backend != b.Backend || a.MatchSubdomains != b.MatchSubdomains ||
		!slices.Equal(a.Blacklist, b.Blacklist) ||
		!slices.Equal(a.Whitelist, b.Whitelist) {
		return false
	}
	return listFileEqual(a.BlacklistFile, b.BlacklistFile, a.blacklistContent, b.blacklistContent) &&
		listFileEqual(a.WhitelistFile, b.WhitelistFile, a.whitelistContent, b.whitelistContent)
}

// listFileEqual compares list file references by path and by the content
// captured when each config was loaded.
func listFileEqual(pathA, pathB string, contentA, contentB []byte) bool {
	return pathA == pathB && bytes.Equal(contentA, contentB)
}

func upstreamEqual(a, b UpstreamConfig) bool {
	return a.Type == b.Type &&
		a.Address == b.Address &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// readListFile snapshots a list file for change detection. A missing file
// yields nil; the filter store reports the error when it loads the list.
func readListFile(path string) []byte {
	if path == "" {
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Failed to read list file: %v (file: %s)", err, path)
		return nil
	}
	return content
}
