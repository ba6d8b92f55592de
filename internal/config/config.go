// Package config loads the engine configuration from built-in defaults, an
// optional YAML file and ERPCORE_* environment variables, in that order of
// precedence, and remembers where every attribute came from.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ERPCORE_"

// Source records which layer set an attribute.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
)

// Storage selects and tunes the persistence backend.
type Storage struct {
	Driver          string        `yaml:"driver" json:"driver"`
	SQLitePath      string        `yaml:"sqlite_path" json:"sqlite_path"`
	PostgresDSN     string        `yaml:"postgres_dsn" json:"postgres_dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// Guardrail configures the pre-write validator.
type Guardrail struct {
	Mode              string   `yaml:"mode" json:"mode"`
	FinancialSegments []string `yaml:"financial_segments" json:"financial_segments"`
	Tolerance         string   `yaml:"tolerance" json:"tolerance"`
}

// HTTP configures the transport.
type HTTP struct {
	Listen          string        `yaml:"listen" json:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Log configures zerolog.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Blob configures the export target.
type Blob struct {
	Driver       string `yaml:"driver" json:"driver"`
	Root         string `yaml:"root" json:"root"`
	Bucket       string `yaml:"bucket" json:"bucket"`
	Prefix       string `yaml:"prefix" json:"prefix"`
	Region       string `yaml:"region" json:"region"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style" json:"use_path_style"`
}

// Config is the full engine configuration.
type Config struct {
	Storage   Storage   `yaml:"storage" json:"storage"`
	Guardrail Guardrail `yaml:"guardrail" json:"guardrail"`
	HTTP      HTTP      `yaml:"http" json:"http"`
	Log       Log       `yaml:"log" json:"log"`
	Blob      Blob      `yaml:"blob" json:"blob"`

	sources map[string]Source
	path    string
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{
		Storage: Storage{
			Driver:          "sqlite",
			SQLitePath:      "erpcore.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Guardrail: Guardrail{Mode: "enforce", FinancialSegments: []string{"GL"}, Tolerance: "0.01"},
		HTTP: HTTP{
			Listen:          ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:     Log{Level: "info", Format: "json"},
		Blob:    Blob{Driver: "fs", Root: "exports"},
		sources: make(map[string]Source),
	}
	for _, a := range attributes {
		c.sources[a.name] = SourceDefault
	}
	return c
}

// attribute binds a dotted configuration name to its accessors.
type attribute struct {
	name string
	get  func(*Config) string
	set  func(*Config, string) error
}

func (a attribute) env() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(a.name, ".", "_"))
}

func str(name string, field func(*Config) *string) attribute {
	return attribute{
		name: name,
		get:  func(c *Config) string { return *field(c) },
		set:  func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func num(name string, field func(*Config) *int) attribute {
	return attribute{
		name: name,
		get:  func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*field(c) = n
			return nil
		},
	}
}

func dur(name string, field func(*Config) *time.Duration) attribute {
	return attribute{
		name: name,
		get:  func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*field(c) = d
			return nil
		},
	}
}

func flag(name string, field func(*Config) *bool) attribute {
	return attribute{
		name: name,
		get:  func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*field(c) = b
			return nil
		},
	}
}

func list(name string, field func(*Config) *[]string) attribute {
	return attribute{
		name: name,
		get:  func(c *Config) string { return strings.Join(*field(c), ",") },
		set:  func(c *Config, v string) error { *field(c) = splitAndTrim(v); return nil },
	}
}

var attributes = []attribute{
	str("storage.driver", func(c *Config) *string { return &c.Storage.Driver }),
	str("storage.sqlite_path", func(c *Config) *string { return &c.Storage.SQLitePath }),
	str("storage.postgres_dsn", func(c *Config) *string { return &c.Storage.PostgresDSN }),
	num("storage.max_open_conns", func(c *Config) *int { return &c.Storage.MaxOpenConns }),
	num("storage.max_idle_conns", func(c *Config) *int { return &c.Storage.MaxIdleConns }),
	dur("storage.conn_max_lifetime", func(c *Config) *time.Duration { return &c.Storage.ConnMaxLifetime }),
	str("guardrail.mode", func(c *Config) *string { return &c.Guardrail.Mode }),
	list("guardrail.financial_segments", func(c *Config) *[]string { return &c.Guardrail.FinancialSegments }),
	str("guardrail.tolerance", func(c *Config) *string { return &c.Guardrail.Tolerance }),
	str("http.listen", func(c *Config) *string { return &c.HTTP.Listen }),
	dur("http.read_timeout", func(c *Config) *time.Duration { return &c.HTTP.ReadTimeout }),
	dur("http.write_timeout", func(c *Config) *time.Duration { return &c.HTTP.WriteTimeout }),
	dur("http.shutdown_timeout", func(c *Config) *time.Duration { return &c.HTTP.ShutdownTimeout }),
	str("log.level", func(c *Config) *string { return &c.Log.Level }),
	str("log.format", func(c *Config) *string { return &c.Log.Format }),
	str("blob.driver", func(c *Config) *string { return &c.Blob.Driver }),
	str("blob.root", func(c *Config) *string { return &c.Blob.Root }),
	str("blob.bucket", func(c *Config) *string { return &c.Blob.Bucket }),
	str("blob.prefix", func(c *Config) *string { return &c.Blob.Prefix }),
	str("blob.region", func(c *Config) *string { return &c.Blob.Region }),
	str("blob.endpoint", func(c *Config) *string { return &c.Blob.Endpoint }),
	flag("blob.use_path_style", func(c *Config) *bool { return &c.Blob.UsePathStyle }),
}

// Load builds the configuration. An empty path skips the file layer unless
// ERPCORE_CONFIG names one; a missing explicit file is an error.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	c := Default()
	if path == "" {
		path, _ = lookup(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := c.applyFile(data); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
		c.path = path
	}
	if err := c.applyEnv(lookup); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyFile(data []byte) error {
	var present map[string]map[string]any
	if err := yaml.Unmarshal(data, &present); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	for section, keys := range present {
		for key := range keys {
			name := section + "." + key
			if _, known := c.sources[name]; known {
				c.sources[name] = SourceFile
			}
		}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, a := range attributes {
		v, ok := lookup(a.env())
		if !ok || v == "" {
			continue
		}
		if err := a.set(c, v); err != nil {
			return errors.Wrapf(err, "invalid %s", a.env())
		}
		c.sources[a.name] = SourceEnv
	}
	return nil
}

// Path returns the file the configuration was read from, if any.
func (c *Config) Path() string { return c.path }

// Source reports which layer set name.
func (c *Config) Source(name string) Source {
	if s, ok := c.sources[name]; ok {
		return s
	}
	return SourceDefault
}

var (
	storageDrivers = []string{"memory", "sqlite", "postgres"}
	blobDrivers    = []string{"memory", "fs", "s3"}
	guardrailModes = []string{"warn", "enforce"}
	logFormats     = []string{"json", "console"}
)

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if !slices.Contains(storageDrivers, c.Storage.Driver) {
		return errors.WithHintf(errors.Newf("unknown storage driver %q", c.Storage.Driver),
			"supported drivers: %s", strings.Join(storageDrivers, ", "))
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return errors.WithHint(errors.New("storage.postgres_dsn is required for the postgres driver"),
			"set "+EnvPrefix+"STORAGE_POSTGRES_DSN")
	}
	if c.Storage.MaxOpenConns < 0 || c.Storage.MaxIdleConns < 0 {
		return errors.New("storage pool sizes cannot be negative")
	}
	if !slices.Contains(guardrailModes, strings.ToLower(c.Guardrail.Mode)) {
		return errors.WithHintf(errors.Newf("unknown guardrail mode %q", c.Guardrail.Mode),
			"supported modes: %s", strings.Join(guardrailModes, ", "))
	}
	if _, err := c.Guardrail.ToleranceDecimal(); err != nil {
		return err
	}
	if !slices.Contains(blobDrivers, c.Blob.Driver) {
		return errors.Newf("unknown blob driver %q", c.Blob.Driver)
	}
	if c.Blob.Driver == "s3" && c.Blob.Bucket == "" {
		return errors.New("blob.bucket is required for the s3 driver")
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		return errors.Newf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// ToleranceDecimal parses the GL balance tolerance.
func (g Guardrail) ToleranceDecimal() (decimal.Decimal, error) {
	if g.Tolerance == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(g.Tolerance)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "guardrail.tolerance %q", g.Tolerance)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, errors.Newf("guardrail.tolerance cannot be negative (%s)", g.Tolerance)
	}
	return d, nil
}

// Attribute is one configuration value with its origin.
type Attribute struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Source Source `json:"source"`
	Env    string `json:"env"`
}

// Attributes lists every attribute in declaration order. Secrets are masked.
func (c *Config) Attributes() []Attribute {
	out := make([]Attribute, 0, len(attributes))
	for _, a := range attributes {
		v := a.get(c)
		if a.name == "storage.postgres_dsn" && v != "" {
			v = maskDSN(v)
		}
		out = append(out, Attribute{Name: a.name, Value: v, Source: c.Source(a.name), Env: a.env()})
	}
	return out
}

// maskDSN hides the password of a URL-form DSN.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		creds = creds[:i] + ":****"
	}
	return dsn[:scheme+3] + creds + dsn[at:]
}

// FormatText renders the attributes as an aligned table.
func (c *Config) FormatText() string {
	var sb strings.Builder
	if c.path != "" {
		fmt.Fprintf(&sb, "Config file: %s\n\n", c.path)
	}
	fmt.Fprintf(&sb, "%-30s %-40s %s\n", "NAME", "VALUE", "SOURCE")
	for _, a := range c.Attributes() {
		v := a.Value
		if v == "" {
			v = "(not set)"
		}
		fmt.Fprintf(&sb, "%-30s %-40s %s\n", a.Name, v, a.Source)
	}
	return sb.String()
}

// FormatJSON renders the attributes as indented JSON.
func (c *Config) FormatJSON() (string, error) {
	data, err := json.MarshalIndent(map[string]any{
		"config_file": c.path,
		"attributes":  c.Attributes(),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
