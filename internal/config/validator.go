package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/celrules"
	"github.com/opta-dev/opta-browser/internal/domain/retry"
)

// retryCategories are the taxonomy categories open to extension.
// Code-based categories (policy, runtime, session-state) are fixed.
var retryCategories = map[string]bool{
	string(retry.CategoryInvalidInput): true,
	string(retry.CategorySelector):     true,
	string(retry.CategoryTimeout):      true,
	string(retry.CategoryNetwork):      true,
	string(retry.CategoryTransient):    true,
}

// RegisterCustomValidators registers the duration validator. Must be
// called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration accepts any value time.ParseDuration accepts.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// Validate validates the configuration using struct tags plus
// cross-field rules, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateRetryExtensions(); err != nil {
		return err
	}
	return c.validateRules()
}

// validateRetryExtensions rejects extensions for unknown or fixed
// categories.
func (c *Config) validateRetryExtensions() error {
	for category, patterns := range c.Retry.Extensions {
		if !retryCategories[category] {
			return fmt.Errorf("retry.extensions: unknown or fixed category %q", category)
		}
		for i, p := range patterns {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("retry.extensions[%s][%d]: empty pattern", category, i)
			}
		}
	}
	return nil
}

// validateRules compiles the custom CEL rules so misconfigurations are
// caught at startup, not per tool call.
func (c *Config) validateRules() error {
	if len(c.Rules) == 0 {
		return nil
	}
	if _, err := celrules.NewEngine(c.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a
// single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a valid duration (e.g. \"30m\", \"24h\")", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
