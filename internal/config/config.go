// Package config provides YAML-based configuration management for the
// document pipeline service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// AppConfig represents the root configuration structure.
type AppConfig struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Pipeline configuration
	Pipeline PipelineConfig `yaml:"pipeline"`

	// External collaborators
	OCR          OCRConfig          `yaml:"ocr"`
	LLM          LLMConfig          `yaml:"llm"`
	Destinations DestinationsConfig `yaml:"destinations"`

	// Mailbox polling
	Mail MailConfig `yaml:"mail"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bindAddress"`
	EnableCORS   bool   `yaml:"enableCors"`
	AllowOrigins string `yaml:"allowOrigins"`
	ReadTimeout  int    `yaml:"readTimeoutSeconds"`
	WriteTimeout int    `yaml:"writeTimeoutSeconds"`
	IdleTimeout  int    `yaml:"idleTimeoutSeconds"`
	BodyLimit    string `yaml:"bodyLimit"`
}

// StorageConfig contains working-tree and database settings.
type StorageConfig struct {
	WorkDir string `yaml:"workDir"`
	DataDir string `yaml:"dataDir"`
}

// PipelineConfig contains stage execution settings.
type PipelineConfig struct {
	Workers             int  `yaml:"workers"`
	QueueSize           int  `yaml:"queueSize"`
	MaxRetries          int  `yaml:"maxRetries"`
	RetryBackoffSeconds int  `yaml:"retryBackoffSeconds"`
	RefineOCRText       bool `yaml:"refineOcrText"`
}

// OCRConfig contains the document-intelligence provider settings.
type OCRConfig struct {
	Endpoint            string `yaml:"endpoint"`
	APIKey              string `yaml:"apiKey"`
	PollIntervalSeconds int    `yaml:"pollIntervalSeconds"`
	PollMaxAttempts     int    `yaml:"pollMaxAttempts"`
}

// LLMConfig contains the language-model provider settings.
type LLMConfig struct {
	BaseURL string `yaml:"baseUrl"`
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
}

// DestinationsConfig groups the upload destination settings.
type DestinationsConfig struct {
	Dropbox   DropboxConfig   `yaml:"dropbox"`
	Nextcloud NextcloudConfig `yaml:"nextcloud"`
	Paperless PaperlessConfig `yaml:"paperless"`
}

// DropboxConfig contains refresh-token OAuth credentials and target folder.
type DropboxConfig struct {
	AppKey       string `yaml:"appKey"`
	AppSecret    string `yaml:"appSecret"`
	RefreshToken string `yaml:"refreshToken"`
	Folder       string `yaml:"folder"`
}

// NextcloudConfig contains WebDAV upload settings.
type NextcloudConfig struct {
	UploadURL string `yaml:"uploadUrl"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Folder    string `yaml:"folder"`
}

// PaperlessConfig contains the document-management API settings.
type PaperlessConfig struct {
	Host     string `yaml:"host"`
	APIToken string `yaml:"apiToken"`
}

// MailConfig contains poller scheduling and the mailbox list.
type MailConfig struct {
	PollIntervalMinutes int             `yaml:"pollIntervalMinutes"`
	Mailboxes           []MailboxConfig `yaml:"mailboxes"`
}

// MailboxConfig describes one IMAP account to poll.
type MailboxConfig struct {
	Name               string `yaml:"name"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TLS                bool   `yaml:"tls"`
	DeleteAfterProcess bool   `yaml:"deleteAfterProcess"`
}

// Enabled reports whether the mailbox has enough settings to poll.
func (m MailboxConfig) Enabled() bool {
	return m.Host != "" && m.Port != 0 && m.Username != "" && m.Password != ""
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8085,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 60,
			IdleTimeout:  120,
			BodyLimit:    "100M",
		},
		Storage: StorageConfig{
			WorkDir: "./workdir",
			DataDir: "./data",
		},
		Pipeline: PipelineConfig{
			Workers:             4,
			QueueSize:           256,
			MaxRetries:          4,
			RetryBackoffSeconds: 2,
			RefineOCRText:       false,
		},
		OCR: OCRConfig{
			PollIntervalSeconds: 2,
			PollMaxAttempts:     60,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Mail: MailConfig{
			PollIntervalMinutes: 5,
		},
	}
}

// LoadConfig loads configuration from a YAML file, creating the file with
// defaults if it does not exist yet.
func LoadConfig(configPath string) (*AppConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.applyEnvironmentOverrides()
		config.resolvePaths(filepath.Dir(configPath))
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to a YAML file.
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Docuflow configuration\n# This file is auto-generated on first run\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config
// values. Secrets in particular are expected to arrive via environment.
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if workDir := os.Getenv("WORKDIR"); workDir != "" {
		c.Storage.WorkDir = workDir
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDir = dataDir
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}

	if key := os.Getenv("OCR_API_KEY"); key != "" {
		c.OCR.APIKey = key
	}

	if secret := os.Getenv("DROPBOX_APP_SECRET"); secret != "" {
		c.Destinations.Dropbox.AppSecret = secret
	}

	if password := os.Getenv("NEXTCLOUD_PASSWORD"); password != "" {
		c.Destinations.Nextcloud.Password = password
	}

	if token := os.Getenv("PAPERLESS_API_TOKEN"); token != "" {
		c.Destinations.Paperless.APIToken = token
	}
}

// resolvePaths converts relative paths to absolute based on config file location.
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.WorkDir) {
		c.Storage.WorkDir = filepath.Join(configDir, c.Storage.WorkDir)
	}
	if !filepath.IsAbs(c.Storage.DataDir) {
		c.Storage.DataDir = filepath.Join(configDir, c.Storage.DataDir)
	}
}

// WorkDir returns the absolute working directory path.
func (c *AppConfig) WorkDir() string {
	return c.Storage.WorkDir
}

// TmpDir returns the private temp area inside the working directory.
func (c *AppConfig) TmpDir() string {
	return filepath.Join(c.Storage.WorkDir, "tmp")
}

// ProcessedDir returns the processed area inside the working directory.
func (c *AppConfig) ProcessedDir() string {
	return filepath.Join(c.Storage.WorkDir, "processed")
}

// DatabasePath returns the path of the embedded database file.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, "docuflow.duckdb")
}

// GetServerAddr returns the server bind address.
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories.
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.WorkDir,
		c.TmpDir(),
		c.ProcessedDir(),
		c.Storage.DataDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
