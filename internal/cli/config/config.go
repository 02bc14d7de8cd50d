package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antonkrylov/xinvoice/internal/invoice"
)

// File models the on-disk YAML configuration.
type File struct {
	APIAddr     string                  `yaml:"api_addr"`
	LogDir      string                  `yaml:"log_dir"`
	DownloadDir string                  `yaml:"download_dir"`
	Defaults    Defaults                `yaml:"defaults"`
	Envs        map[string]*Environment `yaml:"environments"`
	Events      Events                  `yaml:"events"`
	ObjectStore ObjectStore             `yaml:"object_store"`
}

// Defaults apply to every environment unless overridden.
type Defaults struct {
	ConnectTimeout     Duration `yaml:"connect_timeout"`
	PromptGrace        Duration `yaml:"prompt_grace"`
	Deadline           Duration `yaml:"deadline"`
	FinalDrain         Duration `yaml:"final_drain"`
	RecencyWindow      Duration `yaml:"recency_window"`
	CandidateLimit     int      `yaml:"candidate_limit"`
	OutputExtension    string   `yaml:"output_extension"`
	FetchArtifact      *bool    `yaml:"fetch_artifact"`
	IdentifierPatterns []string `yaml:"identifier_patterns"`
}

// Environment describes where and how to connect, and which script to invoke.
type Environment struct {
	Key           string            `yaml:"-"`
	Name          string            `yaml:"name"`
	Host          string            `yaml:"host"`
	Port          int               `yaml:"port"`
	Username      string            `yaml:"username"`
	Password      string            `yaml:"password"`
	PasswordEnv   string            `yaml:"password_env"`
	KeyFile       string            `yaml:"key_file"`
	KnownHosts    string            `yaml:"known_hosts"`
	ScriptPaths   map[string]string `yaml:"script_paths"`
	OutputPath    string            `yaml:"output_path"`
	LogPath       string            `yaml:"log_path"`
	FetchArtifact *bool             `yaml:"fetch_artifact"`
	Local         bool              `yaml:"local"`
}

// Events configures outcome publication to NATS.
type Events struct {
	NATSURL       string `yaml:"nats_url"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ObjectStore configures the optional artifact mirror.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// Enabled reports whether enough is configured to dial the object store.
func (o ObjectStore) Enabled() bool {
	return strings.TrimSpace(o.Endpoint) != "" && strings.TrimSpace(o.Bucket) != ""
}

// Duration accepts Go duration strings ("10m") or integer seconds in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs int
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

// ErrEnvironmentNotFound indicates the requested environment is missing.
var ErrEnvironmentNotFound = errors.New("environment not found")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates YAML bytes.
func Parse(data []byte) (*File, error) {
	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for key, env := range cfg.Envs {
		if env == nil {
			return nil, fmt.Errorf("environment %s: empty definition", key)
		}
		env.Key = key
		for kind := range env.ScriptPaths {
			if _, err := invoice.ParseKind(kind); err != nil {
				return nil, fmt.Errorf("environment %s: %w", key, err)
			}
		}
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *File) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// ApplyEnv overlays XINVOICE_* environment variables onto the file values.
func (c *File) ApplyEnv() {
	if c == nil {
		return
	}
	c.LogDir = stringEnv("XINVOICE_LOG_DIR", c.LogDir)
	c.DownloadDir = stringEnv("XINVOICE_DOWNLOAD_DIR", c.DownloadDir)
	c.APIAddr = stringEnv("XINVOICE_API_ADDR", c.APIAddr)
	c.Events.NATSURL = stringEnv("XINVOICE_NATS_URL", c.Events.NATSURL)
}

func stringEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// ResolvedLogDir returns the expanded log directory or the default.
func (c *File) ResolvedLogDir() string {
	if c == nil || strings.TrimSpace(c.LogDir) == "" {
		return DefaultLogDir()
	}
	if p, err := ExpandPath(c.LogDir); err == nil {
		return p
	}
	return c.LogDir
}

// ResolvedDownloadDir returns the expanded download directory or the default.
func (c *File) ResolvedDownloadDir() string {
	if c == nil || strings.TrimSpace(c.DownloadDir) == "" {
		return DefaultDownloadDir()
	}
	if p, err := ExpandPath(c.DownloadDir); err == nil {
		return p
	}
	return c.DownloadDir
}

// Registry is an immutable view over configured environments.
type Registry struct {
	envs     map[string]Environment
	defaults Defaults
}

// Registry snapshots the environments. Later edits to c do not leak in.
func (c *File) Registry() *Registry {
	r := &Registry{envs: map[string]Environment{}}
	if c == nil {
		return r
	}
	r.defaults = c.Defaults
	r.defaults.IdentifierPatterns = append([]string(nil), c.Defaults.IdentifierPatterns...)
	for key, env := range c.Envs {
		if env == nil {
			continue
		}
		cp := env.clone()
		cp.Key = key
		r.envs[key] = cp
	}
	return r
}

// NewRegistry builds a registry directly from environment values.
func NewRegistry(defaults Defaults, envs ...Environment) *Registry {
	r := &Registry{envs: map[string]Environment{}, defaults: defaults}
	for _, env := range envs {
		r.envs[env.Key] = env.clone()
	}
	return r
}

// Lookup returns a copy of the named environment.
func (r *Registry) Lookup(key string) (Environment, error) {
	if r == nil {
		return Environment{}, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, key)
	}
	env, ok := r.envs[strings.TrimSpace(key)]
	if !ok {
		return Environment{}, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, key)
	}
	return env.clone(), nil
}

// Keys returns environment keys sorted.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, 0, len(r.envs))
	for k := range r.envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) Defaults() Defaults {
	if r == nil {
		return Defaults{}
	}
	d := r.defaults
	d.IdentifierPatterns = append([]string(nil), r.defaults.IdentifierPatterns...)
	return d
}

// FetchArtifact resolves the per-environment override against the defaults (true if unset).
func (r *Registry) FetchArtifact(env Environment) bool {
	if env.FetchArtifact != nil {
		return *env.FetchArtifact
	}
	if r != nil && r.defaults.FetchArtifact != nil {
		return *r.defaults.FetchArtifact
	}
	return true
}

func (e Environment) clone() Environment {
	cp := e
	if e.ScriptPaths != nil {
		cp.ScriptPaths = make(map[string]string, len(e.ScriptPaths))
		for k, v := range e.ScriptPaths {
			cp.ScriptPaths[k] = v
		}
	}
	if e.FetchArtifact != nil {
		v := *e.FetchArtifact
		cp.FetchArtifact = &v
	}
	return cp
}

// DisplayName falls back to the key.
func (e Environment) DisplayName() string {
	if strings.TrimSpace(e.Name) != "" {
		return e.Name
	}
	return e.Key
}

// ScriptPath returns the script configured for kind.
func (e Environment) ScriptPath(kind invoice.Kind) (string, bool) {
	for k, v := range e.ScriptPaths {
		if strings.EqualFold(k, string(kind)) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// ResolvedPassword prefers password_env when set.
func (e Environment) ResolvedPassword() string {
	if e.PasswordEnv != "" {
		if v := os.Getenv(e.PasswordEnv); v != "" {
			return v
		}
	}
	return e.Password
}

// AuthMethod names the credential that will be used.
func (e Environment) AuthMethod() string {
	switch {
	case e.Local:
		return "local"
	case strings.TrimSpace(e.KeyFile) != "":
		return "key"
	default:
		return "password"
	}
}

func (e Environment) PortOrDefault() int {
	if e.Port <= 0 {
		return 22
	}
	return e.Port
}

// Validate checks the connection fields.
func (e Environment) Validate() error {
	if e.Local {
		return nil
	}
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("server host not configured for %s", e.Key)
	}
	if strings.TrimSpace(e.Username) == "" {
		return fmt.Errorf("username not configured for %s", e.Key)
	}
	return nil
}

// ExpandPath resolves "~" and relative paths.
func ExpandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
