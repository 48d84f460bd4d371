package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrConfigurationInvalid indicates that the loaded configuration cannot be used.
var ErrConfigurationInvalid = errors.New("configuration invalid")

// ErrDisabled is returned by callers that refuse to run while the subsystem is switched off.
var ErrDisabled = fmt.Errorf("%w: backup subsystem disabled", ErrConfigurationInvalid)

// ValidationError names one rejected configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrConfigurationInvalid.
func (e *ValidationError) Unwrap() error { return ErrConfigurationInvalid }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the struct tags cannot express.
// All problems are reported at once, joined.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
		}
		for _, fe := range verrs {
			errs = append(errs, &ValidationError{
				Field:  strings.TrimPrefix(fe.Namespace(), "Config."),
				Reason: describe(fe),
			})
		}
	}

	if c.Offload.Enabled && c.Offload.Bucket == "" {
		errs = append(errs, &ValidationError{Field: "Offload.Bucket", Reason: "required when offload is enabled"})
	}
	if c.Alert.Enabled && c.Alert.WebhookURL == "" {
		errs = append(errs, &ValidationError{Field: "Alert.WebhookURL", Reason: "required when alerting is enabled"})
	}
	switch c.Supervisor.Kind {
	case "systemd":
		if c.Supervisor.Unit == "" {
			errs = append(errs, &ValidationError{Field: "Supervisor.Unit", Reason: "required for systemd supervisor"})
		}
	case "command":
		if len(c.Supervisor.StopCommand) == 0 || len(c.Supervisor.StartCommand) == 0 {
			errs = append(errs, &ValidationError{Field: "Supervisor.StopCommand", Reason: "stop and start commands are required for command supervisor"})
		}
	}
	if c.Datastore.VaultRole != "" && c.Vault.Address == "" {
		errs = append(errs, &ValidationError{Field: "Vault.Address", Reason: "required when datastore.vault_role is set"})
	}

	return errors.Join(errs...)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gt":
		return "must be positive"
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "url":
		return fmt.Sprintf("must be a URL, got %q", fe.Value())
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}
