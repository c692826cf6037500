package docgraph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a Pipeline.
type Config struct {
	Neo4j Neo4jConfig `json:"neo4j" yaml:"neo4j"`

	// LLM is the model that extracts graphs and writes narratives.
	LLM LLMConfig `json:"llm" yaml:"llm"`

	// Vision transcribes scanned PDFs and images. When empty the LLM
	// provider is used for images too.
	Vision LLMConfig `json:"vision" yaml:"vision"`

	// Mode is "json" (hierarchy, schema and statements) or "script"
	// (a bare Cypher script).
	Mode string `json:"mode" yaml:"mode" validate:"oneof=json script"`

	// ParseRetries is how many more times the model is asked when its
	// output cannot be recovered.
	ParseRetries int `json:"parse_retries" yaml:"parse_retries" validate:"gte=0,lte=10"`

	// RepairOutput adds a JSON repair pass (unclosed brackets, single
	// quotes, missing commas) after the built-in recovery strategies.
	RepairOutput bool `json:"repair_output" yaml:"repair_output"`

	ModelTimeout time.Duration `json:"model_timeout" yaml:"model_timeout" validate:"gte=0"`
	ApplyTimeout time.Duration `json:"apply_timeout" yaml:"apply_timeout" validate:"gte=0"`
	Temperature  float64       `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`

	// Language of the narrative produced by Narrate.
	Language string `json:"language" yaml:"language" validate:"required"`

	// JournalPath is the SQLite run journal. If empty, defaults to
	// ~/.docgraph/journal.db (StorageDir "home") or ./journal.db
	// (StorageDir "local").
	JournalPath    string `json:"journal_path" yaml:"journal_path"`
	StorageDir     string `json:"storage_dir" yaml:"storage_dir" validate:"omitempty,oneof=home local cwd"`
	DisableJournal bool   `json:"disable_journal" yaml:"disable_journal"`

	// Concurrency bounds the documents processed at once by IngestAll.
	Concurrency int `json:"concurrency" yaml:"concurrency" validate:"gte=1,lte=64"`

	// RateLimit caps model calls per second across all documents. Zero
	// means unlimited.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst" validate:"gte=0"`

	// Breaker wraps the model in a circuit breaker.
	Breaker bool `json:"breaker" yaml:"breaker"`

	// DryRun records statements in memory instead of sending them to Neo4j.
	DryRun bool `json:"dry_run" yaml:"dry_run"`

	LogLevel string `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Neo4jConfig locates the graph store.
type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri" validate:"omitempty,uri"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string        `json:"provider" yaml:"provider" validate:"omitempty,oneof=gemini openai ollama openrouter groq xai lmstudio custom"`
	Model    string        `json:"model" yaml:"model"`
	BaseURL  string        `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey   string        `json:"api_key" yaml:"api_key"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
}

// DefaultConfig returns a Config for Gemini and a local Neo4j.
func DefaultConfig() Config {
	return Config{
		Neo4j: Neo4jConfig{
			URI:      "bolt://localhost:7687",
			Username: "neo4j",
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
		},
		Mode:         "json",
		ParseRetries: 2,
		ModelTimeout: 3 * time.Minute,
		ApplyTimeout: 5 * time.Minute,
		Temperature:  0.2,
		Language:     "English",
		StorageDir:   "home",
		Concurrency:  4,
		Breaker:      true,
		LogLevel:     "info",
	}
}

// configLocations are searched in order when LoadConfig gets no path.
func configLocations() []string {
	locs := []string{"docgraph.yaml", "docgraph.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		locs = append(locs, filepath.Join(home, ".docgraph", "config.yaml"))
	}
	return append(locs, "/etc/docgraph/config.yaml")
}

// LoadConfig starts from DefaultConfig, overlays the YAML file at path (or
// the first file found in the default locations), applies environment
// overrides and validates the result. A missing default file is not an
// error; a missing explicit path is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, loc := range configLocations() {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. lookup is os.LookupEnv outside
// tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("NEO4J_URI", &c.Neo4j.URI)
	str("NEO4J_USER", &c.Neo4j.Username)
	str("NEO4J_PASSWORD", &c.Neo4j.Password)
	str("NEO4J_DB", &c.Neo4j.Database)

	str("DOCGRAPH_PROVIDER", &c.LLM.Provider)
	str("DOCGRAPH_MODEL", &c.LLM.Model)
	str("DOCGRAPH_BASE_URL", &c.LLM.BaseURL)
	if key, ok := lookup("GEMINI_API_KEY"); ok && key != "" {
		if c.LLM.Provider == "gemini" {
			c.LLM.APIKey = key
		}
		if c.Vision.Provider == "gemini" {
			c.Vision.APIKey = key
		}
	}
	str("DOCGRAPH_API_KEY", &c.LLM.APIKey)

	str("DOCGRAPH_MODE", &c.Mode)
	str("DOCGRAPH_LANGUAGE", &c.Language)
	str("DOCGRAPH_JOURNAL", &c.JournalPath)
	str("DOCGRAPH_LOG_LEVEL", &c.LogLevel)

	var errs []error
	if v, ok := lookup("DOCGRAPH_PARSE_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("DOCGRAPH_PARSE_RETRIES", err))
		c.ParseRetries = n
	}
	if v, ok := lookup("DOCGRAPH_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("DOCGRAPH_CONCURRENCY", err))
		c.Concurrency = n
	}
	if v, ok := lookup("DOCGRAPH_MODEL_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("DOCGRAPH_MODEL_TIMEOUT", err))
		c.ModelTimeout = d
	}
	if v, ok := lookup("DOCGRAPH_APPLY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("DOCGRAPH_APPLY_TIMEOUT", err))
		c.ApplyTimeout = d
	}
	if v, ok := lookup("DOCGRAPH_REPAIR_OUTPUT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("DOCGRAPH_REPAIR_OUTPUT", err))
		c.RepairOutput = b
	}
	if v, ok := lookup("DOCGRAPH_DRY_RUN"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("DOCGRAPH_DRY_RUN", err))
		c.DryRun = b
	}
	return errors.Join(errs...)
}

func envErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints. Every violation is reported, each
// wrapping ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		for _, e := range verrs {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, formatFieldError(e)))
		}
	}
	if c.LLM.Provider == "" {
		errs = append(errs, fmt.Errorf("%w: llm.provider is required", ErrInvalidConfig))
	}
	if !c.DryRun && c.Neo4j.URI == "" {
		errs = append(errs, fmt.Errorf("%w: neo4j.uri is required unless dry_run is set", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

func formatFieldError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", field, map[string]string{"gte": ">=", "lte": "<="}[e.Tag()], e.Param())
	case "uri", "url":
		return fmt.Sprintf("%s must be a valid %s", field, e.Tag())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// JournalFile returns the journal database path the config resolves to.
func (c *Config) JournalFile() string {
	if c.JournalPath != "" {
		return c.JournalPath
	}

	switch c.StorageDir {
	case "local", "cwd":
		return "journal.db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return "journal.db"
		}
		return filepath.Join(home, ".docgraph", "journal.db")
	}
}
