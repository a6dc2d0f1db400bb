package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppName names the config directory, env prefix and default schema.
const AppName = "drivemirror"

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database" validate:"required"`
	Remote   RemoteConfig   `mapstructure:"remote" yaml:"remote" validate:"required"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Audit    AuditConfig    `mapstructure:"audit" yaml:"audit"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	StateDir string         `mapstructure:"state_dir" yaml:"state_dir,omitempty"`
}

// DatabaseConfig selects and configures the mirror database
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver" validate:"oneof=postgres sqlite"`
	Host     string `mapstructure:"host" yaml:"host,omitempty" validate:"required_if=Driver postgres"`
	Port     int    `mapstructure:"port" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User     string `mapstructure:"user" yaml:"user,omitempty" validate:"required_if=Driver postgres"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Database string `mapstructure:"database" yaml:"database,omitempty" validate:"required_if=Driver postgres"`
	Schema   string `mapstructure:"schema" yaml:"schema,omitempty"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode,omitempty"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path,omitempty" validate:"required_if=Driver sqlite"`
}

// RemoteConfig selects the authoritative store
type RemoteConfig struct {
	Backend string       `mapstructure:"backend" yaml:"backend" validate:"oneof=gdrive s3 memory"`
	GDrive  GDriveConfig `mapstructure:"gdrive" yaml:"gdrive,omitempty"`
	S3      S3Config     `mapstructure:"s3" yaml:"s3,omitempty"`
}

// GDriveConfig holds OAuth client credentials for Google Drive
type GDriveConfig struct {
	ClientID       string `mapstructure:"client_id" yaml:"client_id,omitempty"`
	ClientSecret   string `mapstructure:"client_secret" yaml:"client_secret,omitempty"`
	RefreshToken   string `mapstructure:"refresh_token" yaml:"refresh_token,omitempty"`
	RootFolderID   string `mapstructure:"root_folder_id" yaml:"root_folder_id,omitempty"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty" validate:"min=0"`
}

// S3Config holds bucket settings for the object-store backend
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
}

// SyncConfig holds crawl and mutation behavior settings
type SyncConfig struct {
	MaxDepth       int      `mapstructure:"max_depth" yaml:"max_depth" validate:"min=1"`
	TrashUnseen    bool     `mapstructure:"trash_unseen" yaml:"trash_unseen"`
	UniqueNames    bool     `mapstructure:"unique_names" yaml:"unique_names"`
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns,omitempty"`
}

// AuditConfig selects where audit events go
type AuditConfig struct {
	Sink string `mapstructure:"sink" yaml:"sink" validate:"oneof=database log both none"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days,omitempty"`
	Compress   bool   `mapstructure:"compress" yaml:"compress,omitempty"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" validate:"required"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
	// Set search_path to use the mirror's schema
	if d.Schema != "" {
		connStr += "&search_path=" + d.Schema + ",public"
	}
	return connStr
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Port:    5432,
			Schema:  AppName,
			SSLMode: "require",
			Path:    filepath.Join(getConfigDir(), AppName+".db"),
		},
		Remote: RemoteConfig{
			Backend: "gdrive",
			GDrive: GDriveConfig{
				TimeoutSeconds: 60,
			},
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Sync: SyncConfig{
			MaxDepth: 64,
		},
		Audit: AuditConfig{
			Sink: "database",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Load reads configuration from file and environment. A .env file in the
// working directory is loaded first, without overriding the real environment.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Set defaults. Every key gets one so AutomaticEnv can see it.
	defaults := DefaultConfig()
	v.SetDefault("database.driver", defaults.Database.Driver)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")
	v.SetDefault("database.schema", defaults.Database.Schema)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	v.SetDefault("database.path", defaults.Database.Path)
	v.SetDefault("remote.backend", defaults.Remote.Backend)
	v.SetDefault("remote.gdrive.client_id", "")
	v.SetDefault("remote.gdrive.client_secret", "")
	v.SetDefault("remote.gdrive.refresh_token", "")
	v.SetDefault("remote.gdrive.root_folder_id", "")
	v.SetDefault("remote.gdrive.timeout_seconds", defaults.Remote.GDrive.TimeoutSeconds)
	v.SetDefault("remote.s3.endpoint", "")
	v.SetDefault("remote.s3.region", defaults.Remote.S3.Region)
	v.SetDefault("remote.s3.bucket", "")
	v.SetDefault("remote.s3.access_key", "")
	v.SetDefault("remote.s3.secret_key", "")
	v.SetDefault("sync.max_depth", defaults.Sync.MaxDepth)
	v.SetDefault("sync.trash_unseen", defaults.Sync.TrashUnseen)
	v.SetDefault("sync.unique_names", defaults.Sync.UniqueNames)
	v.SetDefault("sync.ignore_patterns", defaults.Sync.IgnorePatterns)
	v.SetDefault("audit.sink", defaults.Audit.Sink)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)
	v.SetDefault("log.compress", defaults.Log.Compress)
	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("state_dir", "")

	// Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	// Enable environment variable substitution
	v.AutomaticEnv()
	v.SetEnvPrefix("DRIVEMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	// Unmarshal into struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in secrets
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Remote.GDrive.ClientSecret = os.ExpandEnv(cfg.Remote.GDrive.ClientSecret)
	cfg.Remote.GDrive.RefreshToken = os.ExpandEnv(cfg.Remote.GDrive.RefreshToken)
	cfg.Remote.S3.SecretKey = os.ExpandEnv(cfg.Remote.S3.SecretKey)

	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Log.File = expandPath(cfg.Log.File)
	cfg.StateDir = expandPath(cfg.StateDir)

	if cfg.Database.Schema != "" {
		cfg.Database.Schema = SanitizeIdentifier(cfg.Database.Schema)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field constraints and the per-backend requirements.
func Validate(cfg *Config) error {
	validate := validator.New()

	// Each remote backend needs its own credentials
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		rc := sl.Current().Interface().(RemoteConfig)
		switch rc.Backend {
		case "gdrive":
			if rc.GDrive.ClientID == "" {
				sl.ReportError(rc.GDrive.ClientID, "GDrive.ClientID", "ClientID", "required_for_gdrive", "")
			}
			if rc.GDrive.RefreshToken == "" {
				sl.ReportError(rc.GDrive.RefreshToken, "GDrive.RefreshToken", "RefreshToken", "required_for_gdrive", "")
			}
		case "s3":
			if rc.S3.Bucket == "" {
				sl.ReportError(rc.S3.Bucket, "S3.Bucket", "Bucket", "required_for_s3", "")
			}
		}
	}, RemoteConfig{})

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppName)
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", AppName)
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, AppName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", AppName)
	}
}

// ConfigDir returns the default directory holding config.yaml.
func ConfigDir() string {
	return getConfigDir()
}

// GetStateDir returns the directory for storing state files, creating it
// if needed. An explicit state_dir wins over the config directory.
func (c *Config) GetStateDir() (string, error) {
	dir := c.StateDir
	if dir == "" {
		dir = getConfigDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// StateKey identifies the mirror a state file belongs to.
func (c *Config) StateKey() string {
	if c.Database.Driver == "sqlite" {
		return "sqlite:" + c.Database.Path
	}
	return fmt.Sprintf("postgres:%s:%d/%s/%s", c.Database.Host, c.Database.Port, c.Database.Database, c.Database.Schema)
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

var (
	invalidIdentChars = regexp.MustCompile(`[^a-z0-9_]`)
	repeatedUnderline = regexp.MustCompile(`_+`)
)

// SanitizeIdentifier converts a name into a valid PostgreSQL identifier (schema name)
// Rules:
// - Lowercase only
// - Starts with letter or underscore
// - Contains only letters, digits, underscores
// - Spaces and hyphens become underscores
// - Max 63 characters (PostgreSQL limit)
func SanitizeIdentifier(name string) string {
	name = strings.ToLower(name)

	// Replace spaces and hyphens with underscores
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")

	name = invalidIdentChars.ReplaceAllString(name, "")
	name = repeatedUnderline.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	// Ensure it starts with a letter
	if len(name) == 0 {
		name = "drive"
	} else if unicode.IsDigit(rune(name[0])) {
		name = "drive_" + name
	}

	// PostgreSQL max identifier length is 63 characters
	if len(name) > 63 {
		name = name[:63]
		name = strings.TrimRight(name, "_")
	}

	return name
}
