package filter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

// hostList is a set of hosts backed by an Aho-Corasick trie. With
// subdomains set, "a.example.com" also matches the entry "example.com".
type hostList struct {
	trie       *ahocorasick.Trie
	hosts      []string
	subdomains bool
}

func newHostList(hosts []string, subdomains bool) *hostList {
	l := &hostList{hosts: hosts, subdomains: subdomains}
	if len(hosts) > 0 {
		l.trie = ahocorasick.NewTrieBuilder().AddStrings(hosts).Build()
	}
	return l
}

func (l *hostList) contains(host string) bool {
	if l.trie == nil || host == "" {
		return false
	}
	for _, match := range l.trie.MatchString(host) {
		entry := l.hosts[match.Pattern()]
		if host == entry {
			return true
		}
		if !l.subdomains || int(match.Pos())+len(entry) != len(host) {
			continue
		}
		// the hit must end the host and start at a label boundary
		if start := len(host) - len(entry); start > 0 && host[start-1] == '.' {
			return true
		}
	}
	return false
}

// StaticStore holds lists given in the configuration or in list files.
// Edits through Add and Remove live in memory only.
type StaticStore struct {
	mu         sync.RWMutex
	lists      map[Kind]*hostList
	subdomains bool
}

// StaticOption configures a StaticStore.
type StaticOption func(*StaticStore)

// WithSubdomains makes every entry match its subdomains as well.
func WithSubdomains(enabled bool) StaticOption {
	return func(s *StaticStore) { s.subdomains = enabled }
}

// NewStaticStore creates a store from literal host lists. Entries match
// whole hosts only unless WithSubdomains is given.
func NewStaticStore(blacklist, whitelist []string, opts ...StaticOption) *StaticStore {
	s := &StaticStore{}
	for _, opt := range opts {
		opt(s)
	}
	s.lists = map[Kind]*hostList{
		Blacklist: newHostList(dedupe(blacklist), s.subdomains),
		Whitelist: newHostList(dedupe(whitelist), s.subdomains),
	}
	return s
}

// LoadStaticStore builds a store from the inline lists and list files of cfg.
func LoadStaticStore(cfg config.FilterConfig) (*StaticStore, error) {
	blacklist := append([]string(nil), cfg.Blacklist...)
	whitelist := append([]string(nil), cfg.Whitelist...)

	if cfg.BlacklistFile != "" {
		hosts, err := ReadListFile(cfg.BlacklistFile)
		if err != nil {
			return nil, err
		}
		blacklist = append(blacklist, hosts...)
	}
	if cfg.WhitelistFile != "" {
		hosts, err := ReadListFile(cfg.WhitelistFile)
		if err != nil {
			return nil, err
		}
		whitelist = append(whitelist, hosts...)
	}

	s := NewStaticStore(blacklist, whitelist, WithSubdomains(cfg.MatchSubdomains))
	logger.Info("Loaded static filter lists: %d blacklisted, %d whitelisted (subdomains=%v)",
		len(s.lists[Blacklist].hosts), len(s.lists[Whitelist].hosts), cfg.MatchSubdomains)
	return s, nil
}

// ReadListFile reads one host per line. Blank lines and lines starting with
// '#' are skipped.
func ReadListFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open list file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing list file: %v", closeErr)
		}
	}()

	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list file %s: %w", path, err)
	}
	return hosts, nil
}

// IsBlacklisted reports whether host is on the blacklist.
func (s *StaticStore) IsBlacklisted(_ context.Context, host string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lists[Blacklist].contains(host), nil
}

// IsWhitelisted reports whether host is on the whitelist.
func (s *StaticStore) IsWhitelisted(_ context.Context, host string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lists[Whitelist].contains(host), nil
}

// Add inserts address into the in-memory list.
func (s *StaticStore) Add(_ context.Context, address string, kind Kind) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.lists[kind].hosts
	if slices.Contains(current, address) {
		return nil
	}
	s.lists[kind] = newHostList(append(slices.Clone(current), address), s.subdomains)
	return nil
}

// Remove deletes address from the in-memory list.
func (s *StaticStore) Remove(_ context.Context, address string, kind Kind) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.lists[kind].hosts
	idx := slices.Index(current, address)
	if idx < 0 {
		return nil
	}
	s.lists[kind] = newHostList(slices.Delete(slices.Clone(current), idx, idx+1), s.subdomains)
	return nil
}

// List returns a copy of one list.
func (s *StaticStore) List(_ context.Context, kind Kind) ([]string, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.lists[kind].hosts), nil
}

func dedupe(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
