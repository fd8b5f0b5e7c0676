package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the configuration for errors.
//
// Struct tags cover value constraints (ranges, enumerations); the
// per-section Validate methods cover cross-field rules such as which
// database fields are mandatory for the selected backend.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return describeValidationError(err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := cfg.Processing.Config.Validate(); err != nil {
		return fmt.Errorf("processing: %w", err)
	}
	if err := cfg.Hooks.Config.Validate(); err != nil {
		return fmt.Errorf("hooks: %w", err)
	}

	// The S3 section is only required when data archival is on.
	if cfg.Processing.StoreEnabled() {
		if err := validate.Struct(&cfg.ObjectStore.S3); err != nil {
			return fmt.Errorf("object_store.s3: %w", describeValidationError(err))
		}
	}

	return nil
}

// describeValidationError turns validator's error list into a readable
// single message.
func describeValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			return fmt.Errorf("%s is required", fe.Namespace())
		case "oneof":
			return fmt.Errorf("%s must be one of: %s", fe.Namespace(), fe.Param())
		case "gt":
			return fmt.Errorf("%s must be greater than %s", fe.Namespace(), fe.Param())
		case "min", "max":
			return fmt.Errorf("%s is out of range (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param())
		default:
			return fmt.Errorf("%s failed validation (%s)", fe.Namespace(), fe.Tag())
		}
	}
	return err
}
