package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers SCA-specific validation rules. Must be
// called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates an output field meant to be "stdout" or
// "file://<absolute-path>". Kept for policy/tool output fields that reuse
// the same convention as the audit file destination.
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	if output == "stdout" {
		return true
	}

	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}

	return false
}

// Validate validates the Config using struct tags and custom cross-field
// rules. Returns an error if validation fails, with actionable messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateStrictModeSecrets(); err != nil {
		return err
	}
	if err := c.validateReputationThresholds(); err != nil {
		return err
	}
	if err := c.validatePolicyActions(); err != nil {
		return err
	}

	return nil
}

// validateStrictModeSecrets refuses a strict-mode configuration unless both
// the API key and the HMAC signing secret are present: strict mode exists to
// guarantee every /analyze request is authenticated and its signature
// verifiable, so an empty secret would make the mode a no-op.
func (c *Config) validateStrictModeSecrets() error {
	if !c.Security.StrictMode {
		return nil
	}
	var missing []string
	if c.Security.APIKey == "" {
		missing = append(missing, "security.api_key")
	}
	if c.Security.SigningSecret == "" {
		missing = append(missing, "security.signing_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("security.strict_mode requires %s to be set", strings.Join(missing, " and "))
	}
	return nil
}

// validateReputationThresholds ensures the reputation gates are ordered
// sensibly: the deny threshold must be stricter (lower) than the review
// threshold on both the integer ledger and the float oracle, otherwise the
// review gate would never fire before the deny gate already had.
func (c *Config) validateReputationThresholds() error {
	if c.Reputation.DenyAt > c.Reputation.ReviewAt {
		return fmt.Errorf("reputation.deny_at (%d) must be <= reputation.review_at (%d)", c.Reputation.DenyAt, c.Reputation.ReviewAt)
	}
	if c.Reputation.AutoDeny > c.Reputation.AutoReview {
		return fmt.Errorf("reputation.auto_deny (%v) must be <= reputation.auto_review (%v)", c.Reputation.AutoDeny, c.Reputation.AutoReview)
	}
	return nil
}

// validatePolicyActions ensures every policy rule's action is one already
// covered by the oneof struct tag; struct-tag validation runs per-element
// but doesn't carry the policy name, so this surfaces a clearer error.
func (c *Config) validatePolicyActions() error {
	for _, policy := range c.Policies {
		if len(policy.Rules) == 0 {
			return fmt.Errorf("policy %q: must define at least one rule", policy.Name)
		}
		for _, rule := range policy.Rules {
			switch rule.Action {
			case "allow", "deny", "approval_required":
			default:
				return fmt.Errorf("policy %q rule %q: unknown action %q", policy.Name, rule.Name, rule.Action)
			}
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
