package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/kpq/internal/envelope"
	"github.com/starford/kpq/internal/storage"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app" toml:"app"`
	Databases []DatabaseConfig  `yaml:"databases" toml:"databases"`
	Auth      AuthConfig        `yaml:"auth" toml:"auth"`
	Sealer    SealerConfig      `yaml:"sealer" toml:"sealer"`
	Audit     AuditConfig       `yaml:"audit" toml:"audit"`
	API       APIConfig         `yaml:"api" toml:"api"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if len(c.Databases) == 0 {
		return errors.New("databases: at least one database is required")
	}
	seen := make(map[string]bool, len(c.Databases))
	for i := range c.Databases {
		db := &c.Databases[i]
		if err := db.Validate(); err != nil {
			return fmt.Errorf("databases[%d]: %w", i, err)
		}
		if seen[db.Name] {
			return fmt.Errorf("databases[%d]: duplicate name %q", i, db.Name)
		}
		seen[db.Name] = true
	}
	return c.Auth.Validate()
}

// Targets converts the database list for the executor.
func (c *Config) Targets() []envelope.Database {
	out := make([]envelope.Database, 0, len(c.Databases))
	for _, db := range c.Databases {
		out = append(out, envelope.Database{
			Name:      db.Name,
			Updatable: db.Updatable,
			Watch:     db.Watch,
			Details:   db.Details(),
		})
	}
	return out
}

// Watched returns the locations of databases with watch enabled.
func (c *Config) Watched() []string {
	var out []string
	for _, db := range c.Databases {
		if db.Watch {
			out = append(out, db.Location)
		}
	}
	return out
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level" toml:"log_level"`
	HTTP     HTTPConfig `yaml:"http" toml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port" toml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

var databaseName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// DatabaseConfig describes one KeePass file.
//
// Updatable gates every action other than get. Watch evicts the cached
// session when the file is changed by another program.
type DatabaseConfig struct {
	Name      string `yaml:"name" toml:"name"`
	Location  string `yaml:"location" toml:"location"`
	Password  string `yaml:"password" toml:"password"`
	Keyfile   string `yaml:"keyfile" toml:"keyfile"`
	Updatable bool   `yaml:"updatable" toml:"updatable"`
	Watch     bool   `yaml:"watch" toml:"watch"`
}

// Validate validates the database configuration.
func (c *DatabaseConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Name, validation.Required, validation.Match(databaseName)),
		validation.Field(&c.Location, validation.Required),
	); err != nil {
		return err
	}
	if c.Password == "" && c.Keyfile == "" {
		return fmt.Errorf("database %q: a password or a keyfile is required", c.Name)
	}
	return nil
}

// Details returns what the storage layer needs to open the database.
func (c *DatabaseConfig) Details() storage.Details {
	return storage.Details{Location: c.Location, Password: c.Password, Keyfile: c.Keyfile}
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode" toml:"mode"`
	Token string `yaml:"token" toml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// SealerConfig enables sealed password placeholders. Without a passphrase
// masked passwords are cleared.
type SealerConfig struct {
	Passphrase string `yaml:"passphrase" toml:"passphrase"`
}

// Enabled reports whether a passphrase is configured.
func (c *SealerConfig) Enabled() bool {
	return c.Passphrase != ""
}

// AuditConfig holds the path of the SQLite audit journal. Empty disables it.
type AuditConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// Enabled reports whether the journal is configured.
func (c *AuditConfig) Enabled() bool {
	return c.Path != ""
}

// APIConfig tunes the HTTP and MCP surfaces.
type APIConfig struct {
	// Reveal returns passwords in clear text.
	Reveal bool `yaml:"reveal" toml:"reveal"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
