package filter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/store"
)

type failingStore struct {
	blacklistErr error
	whitelistErr error
}

func (f failingStore) IsBlacklisted(context.Context, string) (bool, error) {
	return false, f.blacklistErr
}

func (f failingStore) IsWhitelisted(context.Context, string) (bool, error) {
	return true, f.whitelistErr
}

func openSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "filters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db)
}

// decisionMatrix is shared by every store implementation.
var decisionMatrix = []struct {
	name     string
	host     string
	expected Decision
}{
	{"only blacklisted", "black.example", Reject},
	{"neither listed", "unknown.example", Reject},
	{"only whitelisted", "white.example", Accept},
	{"both lists", "both.example", Reject},
	{"substring of whitelisted", "hite.example", Reject},
	{"superstring of whitelisted", "www.white.example", Reject},
	{"empty host", "", Reject},
}

func seed(t *testing.T, admin Admin) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, admin.Add(ctx, "black.example", Blacklist))
	require.NoError(t, admin.Add(ctx, "both.example", Blacklist))
	require.NoError(t, admin.Add(ctx, "white.example", Whitelist))
	require.NoError(t, admin.Add(ctx, "both.example", Whitelist))
}

func TestDecisionMatrixStatic(t *testing.T) {
	s := NewStaticStore(nil, nil)
	seed(t, s)
	f := New(s)

	for _, tt := range decisionMatrix {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := f.Decide(context.Background(), tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, decision)
		})
	}
}

func TestDecisionMatrixSQL(t *testing.T) {
	s := openSQLStore(t)
	seed(t, s)
	f := New(s)

	for _, tt := range decisionMatrix {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := f.Decide(context.Background(), tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, decision)
		})
	}
}

func TestDecideStoreFailureRejects(t *testing.T) {
	boom := errors.New("database is gone")

	decision, err := New(failingStore{blacklistErr: boom}).Decide(context.Background(), "white.example")
	assert.Equal(t, Reject, decision)
	assert.ErrorIs(t, err, boom)

	decision, err = New(failingStore{whitelistErr: boom}).Decide(context.Background(), "white.example")
	assert.Equal(t, Reject, decision)
	assert.ErrorIs(t, err, boom)
}

func TestDecideReflectsStoreChanges(t *testing.T) {
	s := openSQLStore(t)
	f := New(s)
	ctx := context.Background()

	decision, err := f.Decide(ctx, "late.example")
	require.NoError(t, err)
	assert.Equal(t, Reject, decision)

	require.NoError(t, s.Add(ctx, "late.example", Whitelist))
	decision, err = f.Decide(ctx, "late.example")
	require.NoError(t, err)
	assert.Equal(t, Accept, decision)

	require.NoError(t, s.Add(ctx, "late.example", Blacklist))
	decision, err = f.Decide(ctx, "late.example")
	require.NoError(t, err)
	assert.Equal(t, Reject, decision)
}

func TestSQLStoreAdmin(t *testing.T) {
	s := openSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "a.example", Whitelist))
	require.NoError(t, s.Add(ctx, "b.example", Whitelist))
	require.NoError(t, s.Add(ctx, "a.example", Whitelist), "adding twice is a no-op")

	list, err := s.List(ctx, Whitelist)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "b.example"}, list)

	require.NoError(t, s.Remove(ctx, "a.example", Whitelist))
	list, err = s.List(ctx, Whitelist)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.example"}, list)

	list, err = s.List(ctx, Blacklist)
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.Error(t, s.Add(ctx, "c.example", Kind("greylist")))
}

func TestStaticStoreAdmin(t *testing.T) {
	s := NewStaticStore([]string{"x.example", "x.example", " "}, nil)
	ctx := context.Background()

	list, err := s.List(ctx, Blacklist)
	require.NoError(t, err)
	assert.Equal(t, []string{"x.example"}, list)

	require.NoError(t, s.Add(ctx, "y.example", Blacklist))
	require.NoError(t, s.Remove(ctx, "x.example", Blacklist))
	require.NoError(t, s.Remove(ctx, "absent.example", Blacklist))

	list, err = s.List(ctx, Blacklist)
	require.NoError(t, err)
	assert.Equal(t, []string{"y.example"}, list)

	blocked, err := s.IsBlacklisted(ctx, "x.example")
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = s.List(ctx, Kind("other"))
	assert.Error(t, err)
}

func TestStaticStoreMatching(t *testing.T) {
	ctx := context.Background()
	hosts := []string{"example.com", "ads.tracker.net"}

	tests := []struct {
		host       string
		exact      bool
		subdomains bool
	}{
		{"example.com", true, true},
		{"www.example.com", false, true},
		{"a.b.example.com", false, true},
		{"notexample.com", false, false},
		{"example.com.evil.org", false, false},
		{"xample.com", false, false},
		{"cdn.ads.tracker.net", false, true},
		{"tracker.net", false, false},
	}

	exact := NewStaticStore(hosts, nil)
	withSubdomains := NewStaticStore(hosts, nil, WithSubdomains(true))
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			got, err := exact.IsBlacklisted(ctx, tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.exact, got, "exact")

			got, err = withSubdomains.IsBlacklisted(ctx, tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.subdomains, got, "subdomains")
		})
	}

	require.NoError(t, withSubdomains.Add(ctx, "late.example", Whitelist))
	allowed, err := withSubdomains.IsWhitelisted(ctx, "api.late.example")
	require.NoError(t, err)
	assert.True(t, allowed, "entries added later keep subdomain matching")
}

func TestLoadStaticStoreFromFiles(t *testing.T) {
	dir := t.TempDir()
	whitelistPath := filepath.Join(dir, "whitelist.txt")
	require.NoError(t, os.WriteFile(whitelistPath, []byte("# trusted hosts\nfile.example\n\n  spaced.example  \n"), 0o600))

	s, err := LoadStaticStore(config.FilterConfig{
		Backend:       config.FilterBackendStatic,
		Whitelist:     []string{"inline.example"},
		Blacklist:     []string{"spaced.example"},
		WhitelistFile: whitelistPath,
	})
	require.NoError(t, err)

	f := New(s)
	ctx := context.Background()
	for host, expected := range map[string]Decision{
		"inline.example":  Accept,
		"file.example":    Accept,
		"spaced.example":  Reject,
		"# trusted hosts": Reject,
	} {
		decision, err := f.Decide(ctx, host)
		require.NoError(t, err)
		assert.Equal(t, expected, decision, host)
	}
}

func TestLoadStaticStoreMatchSubdomains(t *testing.T) {
	s, err := LoadStaticStore(config.FilterConfig{
		Backend:         config.FilterBackendStatic,
		Whitelist:       []string{"example.org"},
		MatchSubdomains: true,
	})
	require.NoError(t, err)

	decision, err := New(s).Decide(context.Background(), "docs.example.org")
	require.NoError(t, err)
	assert.Equal(t, Accept, decision)
}

func TestLoadStaticStoreMissingFile(t *testing.T) {
	_, err := LoadStaticStore(config.FilterConfig{BlacklistFile: filepath.Join(t.TempDir(), "nope.txt")})
	require.Error(t, err)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(config.FilterConfig{Backend: config.FilterBackendStatic}, nil)
	require.NoError(t, err)
	assert.IsType(t, &StaticStore{}, s)

	_, err = NewStore(config.FilterConfig{Backend: config.FilterBackendDatabase}, nil)
	assert.Error(t, err)

	_, err = NewStore(config.FilterConfig{Backend: "ldap"}, nil)
	assert.Error(t, err)
}

func TestForbiddenResponse(t *testing.T) {
	assert.Equal(t,
		"HTTP/1.1 403 Forbidden\r\nContent-Type: text/html\r\n\r\n"+
			"<html><body><h1>Forbidden</h1><p>You are not allowed to access this resource.</p></body></html>\r\n",
		string(ForbiddenResponse))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("blacklist")
	require.NoError(t, err)
	assert.Equal(t, Blacklist, k)

	_, err = ParseKind("Blacklist")
	assert.Error(t, err)
	assert.Equal(t, "accept", Accept.String())
	assert.Equal(t, "reject", Reject.String())
}
