// Package config provides centralized configuration management for the application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/danielolaszy/tracksync/internal/logging"
)

// Config holds all configuration parameters for the application.
type Config struct {
	Tapd        TapdConfig        `mapstructure:"tapd" yaml:"tapd"`
	Phabricator PhabricatorConfig `mapstructure:"phabricator" yaml:"phabricator"`
	Sync        SyncConfig        `mapstructure:"sync" yaml:"sync"`
	Translate   TranslateConfig   `mapstructure:"translate" yaml:"translate"`
	LogDir      string            `mapstructure:"log_dir" yaml:"log_dir"`
}

// TapdConfig holds TAPD specific configuration. Durations here and below
// are Go duration strings with a unit ("1s", "500ms", "1h").
type TapdConfig struct {
	APIURL      string        `mapstructure:"api_url" yaml:"api_url"`
	Project     string        `mapstructure:"project" yaml:"project"`
	WorkspaceID string        `mapstructure:"workspace_id" yaml:"workspace_id"`
	Token       string        `mapstructure:"token" yaml:"token"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	Sleep       time.Duration `mapstructure:"sleep" yaml:"sleep"`
	PageSize    int           `mapstructure:"page_size" yaml:"page_size"`

	// BaseStoryURL and BaseTaskURL may contain the literal "workspace_id",
	// which is replaced with WorkspaceID.
	BaseStoryURL string `mapstructure:"base_story_url" yaml:"base_story_url"`
	BaseTaskURL  string `mapstructure:"base_task_url" yaml:"base_task_url"`
	BaseImageURL string `mapstructure:"base_image_url" yaml:"base_image_url"`

	DocTemplateID string `mapstructure:"doc_template_id" yaml:"doc_template_id"`
	TaskURLField  string `mapstructure:"task_url_field" yaml:"task_url_field"`
	DiffTagField  string `mapstructure:"diff_tag_field" yaml:"diff_tag_field"`

	CategoryNames map[string]string `mapstructure:"category_id_to_name_map" yaml:"category_id_to_name_map"`
}

// PhabricatorConfig holds Phabricator (Conduit) specific configuration.
type PhabricatorConfig struct {
	APIURL    string `mapstructure:"api_url" yaml:"api_url"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	APIToken  string `mapstructure:"api_token" yaml:"api_token"`

	// APITokenMap overrides the default token per TAPD username so edits
	// and comments are made as the right person.
	APITokenMap map[string]string `mapstructure:"api_token_map" yaml:"api_token_map"`

	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	Sleep      time.Duration `mapstructure:"sleep" yaml:"sleep"`

	// SearchStatuses narrows the task search. Empty means every status,
	// which the reconciliation index needs to find closed mirrors.
	SearchStatuses []string `mapstructure:"search_statuses" yaml:"search_statuses"`
}

// SyncConfig holds the reconciliation settings and lookup tables.
type SyncConfig struct {
	Window            time.Duration `mapstructure:"window" yaml:"window"`
	InvalidateWeekday string        `mapstructure:"invalidate_weekday" yaml:"invalidate_weekday"`
	StoryMarker       string        `mapstructure:"story_marker" yaml:"story_marker"`
	TaskMarker        string        `mapstructure:"task_marker" yaml:"task_marker"`
	ClosedStatuses    []string      `mapstructure:"closed_statuses" yaml:"closed_statuses"`
	DiffTagMergeMode  string        `mapstructure:"diff_tag_merge_mode" yaml:"diff_tag_merge_mode"`

	PriorityMap     map[string]string `mapstructure:"priority_map" yaml:"priority_map"`
	StatusMap       map[string]string `mapstructure:"status_map" yaml:"status_map"`
	TaskStatusMap   map[string]string `mapstructure:"task_status_map" yaml:"task_status_map"`
	DefaultPriority string            `mapstructure:"default_priority" yaml:"default_priority"`
	DefaultStatus   string            `mapstructure:"default_status" yaml:"default_status"`
}

// TranslateConfig controls machine translation of mirrored comments.
type TranslateConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	URL     string        `mapstructure:"url" yaml:"url"`
	Source  string        `mapstructure:"source" yaml:"source"`
	Target  string        `mapstructure:"target" yaml:"target"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

const keyDelimiter = "::"

// Diff tag merge modes.
const (
	MergeModeLegacy  = "legacy"
	MergeModeChanged = "changed"
)

// Path returns the conventional config file name for an environment.
func Path(env string) string {
	if env == "" {
		env = "prod"
	}
	return fmt.Sprintf("config.%s.yaml", env)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_dir", "logs")

	v.SetDefault("tapd::max_retries", 3)
	v.SetDefault("tapd::sleep", time.Second)
	v.SetDefault("tapd::page_size", 50)
	v.SetDefault("tapd::task_url_field", "custom_field_one")
	v.SetDefault("tapd::diff_tag_field", "custom_field_two")

	v.SetDefault("phabricator::max_retries", 3)
	v.SetDefault("phabricator::sleep", time.Duration(0))
	v.SetDefault("phabricator::search_statuses", []string{})

	v.SetDefault("sync::window", time.Hour)
	v.SetDefault("sync::invalidate_weekday", "Monday")
	v.SetDefault("sync::story_marker", "/stories/view/")
	v.SetDefault("sync::task_marker", "/tasks/view/")
	v.SetDefault("sync::closed_statuses", []string{"resolved", "invalid"})
	v.SetDefault("sync::diff_tag_merge_mode", MergeModeLegacy)
	v.SetDefault("sync::default_priority", "normal")
	v.SetDefault("sync::default_status", "open")
	v.SetDefault("sync::priority_map", map[string]string{
		"Nice To Have": "wish",
		"Low":          "low",
		"Middle":       "normal",
		"High":         "high",
	})
	v.SetDefault("sync::status_map", map[string]string{
		"Assess Finished":          "resolved",
		"Developing":               "open",
		"Suspended":                "open",
		"Exceptionally Terminated": "invalid",
	})
	v.SetDefault("sync::task_status_map", map[string]string{
		"open":        "open",
		"progressing": "open",
		"done":        "resolved",
	})

	v.SetDefault("translate::enabled", false)
	v.SetDefault("translate::url", "https://translate.googleapis.com/translate_a/single")
	v.SetDefault("translate::source", "auto")
	v.SetDefault("translate::target", "en")
	v.SetDefault("translate::timeout", 10*time.Second)
}

// LoadConfig loads configuration from the YAML file at path (skipped when
// path is empty), a .env file in the working directory and environment
// variables prefixed with TRACKSYNC_.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logging.Debug("no .env file loaded", "error", err)
	}

	// Usernames in api_token_map contain dots, so keys are split on "::"
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	setDefaults(v)

	v.SetEnvPrefix("TRACKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	// Secrets are commonly provided without the prefix
	v.BindEnv("tapd::token", "TRACKSYNC_TAPD_TOKEN", "TAPD_TOKEN")
	v.BindEnv("phabricator::api_token", "TRACKSYNC_PHABRICATOR_API_TOKEN", "PHABRICATOR_API_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		logging.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return &cfg, nil
}

// Validate ensures every value needed for a synchronization pass is present.
func Validate(cfg *Config) error {
	if err := ValidateTapdConfig(cfg); err != nil {
		return err
	}
	if err := ValidatePhabricatorConfig(cfg); err != nil {
		return err
	}

	switch cfg.Sync.DiffTagMergeMode {
	case MergeModeLegacy, MergeModeChanged:
	default:
		return fmt.Errorf("invalid sync.diff_tag_merge_mode %q: expected %q or %q",
			cfg.Sync.DiffTagMergeMode, MergeModeLegacy, MergeModeChanged)
	}

	if _, err := ParseWeekday(cfg.Sync.InvalidateWeekday); err != nil {
		return err
	}

	return validateDurations(cfg)
}

// validateDurations rejects durations written without a unit. A bare YAML
// number such as `sleep: 1` decodes to nanoseconds, so anything positive
// below a millisecond is treated as a missing unit.
func validateDurations(cfg *Config) error {
	durations := []struct {
		key   string
		value time.Duration
	}{
		{"tapd.sleep", cfg.Tapd.Sleep},
		{"phabricator.sleep", cfg.Phabricator.Sleep},
		{"sync.window", cfg.Sync.Window},
		{"translate.timeout", cfg.Translate.Timeout},
	}

	for _, d := range durations {
		if d.value > 0 && d.value < time.Millisecond {
			return fmt.Errorf("invalid %s %d: durations need a unit, e.g. \"%ds\"", d.key, int64(d.value), int64(d.value))
		}
	}
	return nil
}

// ValidateTapdConfig validates TAPD-specific configuration.
func ValidateTapdConfig(cfg *Config) error {
	var missing []string

	if cfg.Tapd.APIURL == "" {
		missing = append(missing, "tapd.api_url")
	}
	if cfg.Tapd.Project == "" {
		missing = append(missing, "tapd.project")
	}
	if cfg.Tapd.WorkspaceID == "" {
		missing = append(missing, "tapd.workspace_id")
	}
	if cfg.Tapd.BaseStoryURL == "" {
		missing = append(missing, "tapd.base_story_url")
	}
	if cfg.Tapd.BaseTaskURL == "" {
		missing = append(missing, "tapd.base_task_url")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}
	return nil
}

// ValidatePhabricatorConfig validates Phabricator-specific configuration.
func ValidatePhabricatorConfig(cfg *Config) error {
	var missing []string

	if cfg.Phabricator.APIURL == "" {
		missing = append(missing, "phabricator.api_url")
	}
	if cfg.Phabricator.ProjectID == "" {
		missing = append(missing, "phabricator.project_id")
	}
	if cfg.Phabricator.APIToken == "" {
		missing = append(missing, "phabricator.api_token")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}
	return nil
}

// ParseWeekday parses an English weekday name, case-insensitively.
func ParseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), name) {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("invalid weekday %q", name)
}

// Masked returns a copy of cfg with every secret masked, for display.
func (c Config) Masked() Config {
	c.Tapd.Token = logging.MaskSensitive(c.Tapd.Token)
	c.Phabricator.APIToken = logging.MaskSensitive(c.Phabricator.APIToken)

	tokens := make(map[string]string, len(c.Phabricator.APITokenMap))
	for user, token := range c.Phabricator.APITokenMap {
		tokens[user] = logging.MaskSensitive(token)
	}
	c.Phabricator.APITokenMap = tokens

	return c
}
