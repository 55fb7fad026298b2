package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclparse"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"gopkg.in/yaml.v3"

	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

// CacheBackend selects where cached responses are kept.
type CacheBackend string

// Available cache backends
const (
	CacheBackendMemory CacheBackend = "memory" // process memory, lost on restart
	CacheBackendFile   CacheBackend = "file"   // one file per key in a directory
	CacheBackendRedis  CacheBackend = "redis"  // shared redis instance
)

// FilterBackend selects where blacklist and whitelist entries come from.
type FilterBackend string

// Available filter backends
const (
	FilterBackendDatabase FilterBackend = "database" // filters table of the log database
	FilterBackendStatic   FilterBackend = "static"   // lists from the config and list files
)

// DatabaseDriver selects the SQL engine used for logs and filters.
type DatabaseDriver string

// Available database drivers
const (
	DatabaseDriverSQLite   DatabaseDriver = "sqlite"
	DatabaseDriverPostgres DatabaseDriver = "postgres"
)

// UpstreamType selects how origin connections are dialed.
type UpstreamType string

// Available upstream types
const (
	UpstreamTypeDirect UpstreamType = "direct"
	UpstreamTypeSocks5 UpstreamType = "socks5"
)

// TimeoutConfig holds per-phase deadlines in seconds. Zero disables a deadline.
type TimeoutConfig struct {
	ClientReadSeconds    int // reading the request from the client
	OriginConnectSeconds int // establishing the origin connection
	OriginReadSeconds    int // each read from the origin
}

// ClientRead returns the client read deadline.
func (t TimeoutConfig) ClientRead() time.Duration {
	return time.Duration(t.ClientReadSeconds) * time.Second
}

// OriginConnect returns the origin connect deadline.
func (t TimeoutConfig) OriginConnect() time.Duration {
	return time.Duration(t.OriginConnectSeconds) * time.Second
}

// OriginRead returns the per-read origin deadline.
func (t TimeoutConfig) OriginRead() time.Duration {
	return time.Duration(t.OriginReadSeconds) * time.Second
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled       bool
	Backend       CacheBackend
	Directory     string // file backend
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // redis key prefix
	SingleFlight  bool   // at most one origin fetch per key in flight
}

// FilterConfig configures the access filter.
type FilterConfig struct {
	Backend       FilterBackend
	Blacklist     []string
	Whitelist     []string
	BlacklistFile string
	WhitelistFile string
	// MatchSubdomains lets static entries match subdomains too
	MatchSubdomains bool

	// list file contents at load time, compared by HasChanged
	blacklistContent []byte
	whitelistContent []byte
}

// DatabaseConfig configures the SQL database shared by logs and filters.
type DatabaseConfig struct {
	Driver      DatabaseDriver
	SQLitePath  string
	PostgresDSN string
}

// StatisticsConfig toggles request/response logging.
type StatisticsConfig struct {
	Enabled bool
}

// UpstreamConfig describes an optional SOCKS5 hop in front of every origin.
type UpstreamConfig struct {
	Type     UpstreamType
	Address  string
	Username *string
	Password *string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress            string
	ProxyProtocol            bool // accept PROXY protocol headers from a load balancer
	MaxConcurrentConnections int  // 0 = unbounded
	BufferSize               int  // origin read chunk size
	LogLevel                 string
	Timeouts                 TimeoutConfig
	Cache                    CacheConfig
	Filter                   FilterConfig
	Database                 DatabaseConfig
	Statistics               StatisticsConfig
	Upstream                 UpstreamConfig
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ListenAddress: "127.0.0.1:8099",
		BufferSize:    4096,
		LogLevel:      "INFO",
		Cache: CacheConfig{
			Enabled:      true,
			Backend:      CacheBackendFile,
			Directory:    "cache_files",
			RedisAddress: "127.0.0.1:6379",
			KeyPrefix:    "fwdcache:",
		},
		Filter: FilterConfig{
			Backend: FilterBackendDatabase,
		},
		Database: DatabaseConfig{
			Driver:     DatabaseDriverSQLite,
			SQLitePath: "proxy_logs.db",
		},
		Statistics: StatisticsConfig{Enabled: true},
		Upstream:   UpstreamConfig{Type: UpstreamTypeDirect},
	}
}

// LoadConfig loads configuration from the specified file path. The format is
// chosen by extension: .json, .yaml/.yml or .hcl. An empty path yields the
// defaults with environment overrides applied.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	// Apply environment variables
	loadConfigFromEnv(cfg)

	if configPath != "" {
		data, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := applyConfigMap(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Filter.blacklistContent = readListFile(cfg.Filter.BlacklistFile)
	cfg.Filter.whitelistContent = readListFile(cfg.Filter.WhitelistFile)

	return cfg, nil
}

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen-address must not be empty")
	}
	if c.MaxConcurrentConnections < 0 {
		return fmt.Errorf("max-concurrent-connections must not be negative")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer-size must be positive")
	}
	if c.Timeouts.ClientReadSeconds < 0 || c.Timeouts.OriginConnectSeconds < 0 || c.Timeouts.OriginReadSeconds < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendRedis:
	case CacheBackendFile:
		if c.Cache.Enabled && c.Cache.Directory == "" {
			return fmt.Errorf("cache.directory is required for the file backend")
		}
	default:
		return fmt.Errorf("unsupported cache backend: %s", c.Cache.Backend)
	}

	switch c.Filter.Backend {
	case FilterBackendDatabase, FilterBackendStatic:
	default:
		return fmt.Errorf("unsupported filter backend: %s", c.Filter.Backend)
	}

	switch c.Database.Driver {
	case DatabaseDriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite-path must not be empty")
		}
	case DatabaseDriverPostgres:
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("database.postgres-dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Upstream.Type {
	case UpstreamTypeDirect:
	case UpstreamTypeSocks5:
		if c.Upstream.Address == "" {
			return fmt.Errorf("socks5 upstream requires address field")
		}
	default:
		return fmt.Errorf("unsupported upstream type: %s", c.Upstream.Type)
	}

	return nil
}

func readConfigFile(configPath string) (map[string]any, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	ext := filepath.Ext(cleanPath)
	switch strings.ToLower(ext) {
	case ".json":
		return loadJSONConfig(cleanPath)
	case ".yaml", ".yml":
		return loadYAMLConfig(cleanPath)
	case ".hcl":
		return loadHCLConfig(cleanPath)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func loadJSONConfig(path string) (map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map to handle the hyphenated keys
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

func loadYAMLConfig(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var data map[string]any
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// loadHCLConfig evaluates every top-level attribute and converts the result to
// the same generic shape the JSON decoder produces. Sections are written as
// object attributes, e.g. `cache = { backend = "redis" }`.
func loadHCLConfig(path string) (map[string]any, error) {
	file, diags := hclparse.NewParser().ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL config: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		value, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}

		raw, err := ctyjson.SimpleJSONValue{Value: value}.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}

		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}
		data[name] = decoded
	}
	return data, nil
}

func applyConfigMap(data map[string]any, cfg *Config) error {
	if err := setValue(data, "", "listen-address", &cfg.ListenAddress); err != nil {
		return err
	}
	if err := setValue(data, "", "proxy-protocol", &cfg.ProxyProtocol); err != nil {
		return err
	}
	if err := setValue(data, "", "max-concurrent-connections", &cfg.MaxConcurrentConnections); err != nil {
		return err
	}
	if err := setValue(data, "", "buffer-size", &cfg.BufferSize); err != nil {
		return err
	}
	if err := setValue(data, "", "log-level", &cfg.LogLevel); err != nil {
		return err
	}

	if section, err := sectionMap(data, "timeouts"); err != nil {
		return err
	} else if section != nil {
		if err := setValue(section, "timeouts.", "client-read", &cfg.Timeouts.ClientReadSeconds); err != nil {
			return err
		}
		if err := setValue(section, "timeouts.", "origin-connect", &cfg.Timeouts.OriginConnectSeconds); err != nil {
			return err
		}
		if err := setValue(section, "timeouts.", "origin-read", &cfg.Timeouts.OriginReadSeconds); err != nil {
			return err
		}
	}

	if section, err := sectionMap(data, "cache"); err != nil {
		return err
	} else if section != nil {
		if err := applyCacheSection(section, &cfg.Cache); err != nil {
			return err
		}
	}

	if section, err := sectionMap(data, "filter"); err != nil {
		return err
	} else if section != nil {
		if err := applyFilterSection(section, &cfg.Filter); err != nil {
			return err
		}
	}

	if section, err := sectionMap(data, "database"); err != nil {
		return err
	} else if section != nil {
		var driver string
		if err := setValue(section, "database.", "driver", &driver); err != nil {
			return err
		}
		if driver != "" {
			cfg.Database.Driver = DatabaseDriver(strings.ToLower(driver))
		}
		if err := setValue(section, "database.", "sqlite-path", &cfg.Database.SQLitePath); err != nil {
			return err
		}
		if err := setValue(section, "database.", "postgres-dsn", &cfg.Database.PostgresDSN); err != nil {
			return err
		}
	}

	if section, err := sectionMap(data, "statistics"); err != nil {
		return err
	} else if section != nil {
		if err := setValue(section, "statistics.", "enabled", &cfg.Statistics.Enabled); err != nil {
			return err
		}
	}

	if section, err := sectionMap(data, "upstream"); err != nil {
		return err
	} else if section != nil {
		if err := applyUpstreamSection(section, &cfg.Upstream); err != nil {
			return err
		}
	}

	return nil
}

func applyCacheSection(section map[string]any, c *CacheConfig) error {
	if err := setValue(section, "cache.", "enabled", &c.Enabled); err != nil {
		return err
	}
	var backend string
	if err := setValue(section, "cache.", "backend", &backend); err != nil {
		return err
	}
	if backend != "" {
		c.Backend = CacheBackend(strings.ToLower(backend))
	}
	if err := setValue(section, "cache.", "directory", &c.Directory); err != nil {
		return err
	}
	if err := setValue(section, "cache.", "redis-address", &c.RedisAddress); err != nil {
		return err
	}
	if err := setValue(section, "cache.", "redis-password", &c.RedisPassword); err != nil {
		return err
	}
	if err := setValue(section, "cache.", "redis-db", &c.RedisDB); err != nil {
		return err
	}
	if err := setValue(section, "cache.", "key-prefix", &c.KeyPrefix); err != nil {
		return err
	}
	return setValue(section, "cache.", "single-flight", &c.SingleFlight)
}

func applyFilterSection(section map[string]any, f *FilterConfig) error {
	var backend string
	if err := setValue(section, "filter.", "backend", &backend); err != nil {
		return err
	}
	if backend != "" {
		f.Backend = FilterBackend(strings.ToLower(backend))
	}

	if val, exists := section["blacklist"]; exists {
		list, err := parseStringList(val)
		if err != nil {
			return fmt.Errorf("filter.blacklist: %w", err)
		}
		f.Blacklist = list
	}
	if val, exists := section["whitelist"]; exists {
		list, err := parseStringList(val)
		if err != nil {
			return fmt.Errorf("filter.whitelist: %w", err)
		}
		f.Whitelist = list
	}

	if err := setValue(section, "filter.", "blacklist-file", &f.BlacklistFile); err != nil {
		return err
	}
	if err := setValue(section, "filter.", "whitelist-file", &f.WhitelistFile); err != nil {
		return err
	}
	return setValue(section, "filter.", "match-subdomains", &f.MatchSubdomains)
}

func applyUpstreamSection(section map[string]any, u *UpstreamConfig) error {
	var upstreamType string
	if err := setValue(section, "upstream.", "type", &upstreamType); err != nil {
		return err
	}
	if upstreamType != "" {
		u.Type = UpstreamType(strings.ToLower(upstreamType))
	}
	if err := setValue(section, "upstream.", "address", &u.Address); err != nil {
		return err
	}

	if val, exists := section["username"]; exists {
		username, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("upstream.username: %w", err)
		}
		u.Username = username
	}
	if val, exists := section["password"]; exists {
		password, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("upstream.password: %w", err)
		}
		u.Password = password
	}
	return nil
}

// sectionMap returns the nested object stored under key, nil if absent.
func sectionMap(data map[string]any, key string) (map[string]any, error) {
	val, exists := data[key]
	if !exists || val == nil {
		return nil, nil
	}
	section, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return section, nil
}

// setValue stores data[key] into dst if the key is present.
func setValue[T any](data map[string]any, prefix, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		return fmt.Errorf("%s%s: %w", prefix, key, err)
	}
	*dst = *ptr
	return nil
}

func parseStringList(value any) ([]string, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of strings, got %T", value)
	}
	list := make([]string, 0, len(items))
	for i, item := range items {
		ptr, err := parseValue[string](item)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		list = append(list, *ptr)
	}
	return list, nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON and HCL numbers
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case int:
		// YAML integers
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(float64(v))
		default:
			return nil, fmt.Errorf("expected %T, got integer", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("FWDCACHE_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}

	if maxConnStr := os.Getenv("FWDCACHE_MAXCONCURRENTCONNECTIONS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			cfg.MaxConcurrentConnections = maxConn
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for FWDCACHE_MAXCONCURRENTCONNECTIONS: %s\n", maxConnStr)
		}
	}

	if backend := os.Getenv("FWDCACHE_CACHEBACKEND"); backend != "" {
		cfg.Cache.Backend = CacheBackend(strings.ToLower(backend))
	}

	if dir := os.Getenv("FWDCACHE_CACHEDIR"); dir != "" {
		cfg.Cache.Directory = dir
	}

	if addr := os.Getenv("FWDCACHE_REDISADDRESS"); addr != "" {
		cfg.Cache.RedisAddress = addr
	}

	if driver := os.Getenv("FWDCACHE_DBDRIVER"); driver != "" {
		cfg.Database.Driver = DatabaseDriver(strings.ToLower(driver))
	}

	if path := os.Getenv("FWDCACHE_SQLITEPATH"); path != "" {
		cfg.Database.SQLitePath = path
	}

	if dsn := os.Getenv("FWDCACHE_POSTGRESDSN"); dsn != "" {
		cfg.Database.PostgresDSN = dsn
	}

	if level := os.Getenv("FWDCACHE_LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}
}
