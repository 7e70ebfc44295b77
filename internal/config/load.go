package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/phrazzld/dbtester/internal/dberrors"
)

// EnvPrefix is prepended to every environment variable read by Load,
// e.g. DBTESTER_TESTER_TASK or DBTESTER_LOG_LEVEL.
const EnvPrefix = "DBTESTER"

// Load reads configuration from an optional config file and environment
// variables. Environment variables take precedence over values from the file.
// An empty path skips the file. Returns a populated Config or an error
// wrapping dberrors.ErrConfiguration if loading or validation fails.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading config file %s: %w", dberrors.ErrConfiguration, path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshalling config: %w", dberrors.ErrConfiguration, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs struct validation over cfg.
func Validate(cfg *Config) error {
	return validateStruct(cfg)
}

// ValidateTester runs struct validation over a single TesterConfig.
func ValidateTester(cfg TesterConfig) error {
	return validateStruct(&cfg)
}

func validateStruct(s any) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s' (value: %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%w: %s", dberrors.ErrConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", dberrors.ErrConfiguration, err)
	}
	return nil
}

// setDefaults registers every key so that AutomaticEnv can populate it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("tester.task", "")
	v.SetDefault("tester.connection_string_template", DefaultConnectionStringTemplate)
	v.SetDefault("tester.migration_path", "")
	v.SetDefault("tester.application_name", "")
	v.SetDefault("tester.wait.create_database_ms", DefaultCreateDatabaseWaitMS)
	v.SetDefault("tester.wait.delete_database_ms", DefaultDeleteDatabaseWaitMS)
	v.SetDefault("tester.cleanup_grace_ms", DefaultCleanupGraceMS)
	v.SetDefault("tester.ignore_script_exit_code", false)
	v.SetDefault("tester.lock_dependencies", false)

	v.SetDefault("runner.kind", DefaultRunnerKind)
	v.SetDefault("runner.psql_path", DefaultPsqlPath)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
}
