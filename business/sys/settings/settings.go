// Package settings maintains access to the collector settings file and its
// validation. Settings are loaded once at startup and passed to each
// component as explicit values.
package settings

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"gopkg.in/yaml.v3"
)

// validate holds the settings for struct validation.
var validate *validator.Validate

// translator is a cache of locale and translation information.
var translator ut.Translator

func init() {
	validate = validator.New()

	translator, _ = ut.New(en.New(), en.New()).GetTranslator("en")
	en_translations.RegisterDefaultTranslations(validate, translator)
}

// BlockCount represents how many blocks a run should process. The settings
// file accepts either a number or the literal "all".
type BlockCount struct {
	All   bool
	Count int
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (bc *BlockCount) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil && s == "all" {
		bc.All = true
		return nil
	}

	var n int
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("num_blocks_to_process must be a number or %q", "all")
	}
	if n <= 0 {
		return fmt.Errorf("num_blocks_to_process must be positive, got %d", n)
	}

	bc.Count = n
	return nil
}

// DataStorage declares where collected records and logs live on disk.
type DataStorage struct {
	DataDirectory       string `yaml:"data_directory" validate:"required"`
	LogsDirectory       string `yaml:"logs_directory" validate:"required"`
	SimulationDirectory string `yaml:"simulation_output_directory" validate:"required"`
	DatabaseFile        string `yaml:"database_file" validate:"required"`
}

// RateLimit declares how node RPC rate limiting is handled.
type RateLimit struct {
	MaxRetries     int  `yaml:"max_retries" validate:"min=1"`
	InitialDelay   int  `yaml:"initial_delay_seconds" validate:"min=1"`
	Exponential    bool `yaml:"exponential_backoff"`
	EnableRetry    bool `yaml:"enable_retry"`
	CallsPerMinute int  `yaml:"calls_per_minute" validate:"min=1"`
}

// Performance declares the parallel dispatch knobs.
type Performance struct {
	UseParallelFetch bool `yaml:"use_parallel_fetch"`
	MaxProcs         int  `yaml:"max_procs" validate:"min=0"`
}

// Simulation declares the bundle selection and simulation knobs.
type Simulation struct {
	Enabled            bool `yaml:"simulation_enabled"`
	MaxSelectedBundles int  `yaml:"max_selected_bundles" validate:"min=1"`
}

// Settings represents the collector settings file.
type Settings struct {
	DataStorage DataStorage `yaml:"data_storage" validate:"required"`
	RateLimit   RateLimit   `yaml:"rate_limit_handling"`
	Performance Performance `yaml:"performance_tuning"`
	Simulation  Simulation  `yaml:"bundle_simulation"`

	StartBlock uint64     `yaml:"start_block" validate:"required"`
	EndBlock   uint64     `yaml:"end_block" validate:"required,gtefield=StartBlock"`
	NumBlocks  BlockCount `yaml:"num_blocks_to_process"`

	PollingRateSeconds int  `yaml:"polling_rate_seconds" validate:"min=1"`
	ValidateSQL        bool `yaml:"validate_sql"`
	AbortOnEmptyQuery  bool `yaml:"abort_on_empty_first_query"`

	BundlesQueryID int `yaml:"all_mev_blocker_bundle_per_block" validate:"required"`
	StarterQueryID int `yaml:"gather_to_start_query_id"`
}

// PollInterval returns the analytics polling rate as a duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollingRateSeconds) * time.Second
}

// Load opens and consumes the settings file, applying defaults and
// validating the result.
func Load(path string) (Settings, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings file: %w", err)
	}

	s := Settings{
		RateLimit: RateLimit{
			MaxRetries:     3,
			InitialDelay:   5,
			Exponential:    true,
			EnableRetry:    true,
			CallsPerMinute: 60,
		},
		Simulation: Simulation{
			MaxSelectedBundles: 10,
		},
		NumBlocks:          BlockCount{Count: 5},
		PollingRateSeconds: 10,
		ValidateSQL:        true,
		AbortOnEmptyQuery:  true,
	}

	if err := yaml.Unmarshal(content, &s); err != nil {
		return Settings{}, fmt.Errorf("parsing settings file: %w", err)
	}

	if err := Check(s); err != nil {
		return Settings{}, fmt.Errorf("validating settings file: %w", err)
	}

	return s, nil
}

// Check validates the provided settings against its declared tags.
func Check(s Settings) error {
	if err := validate.Struct(s); err != nil {
		verrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}

		var msg string
		for _, verror := range verrors {
			if msg != "" {
				msg += "; "
			}
			msg += verror.Translate(translator)
		}

		return fmt.Errorf("%s", msg)
	}

	return nil
}
