package cli

import (
	"errors"
	"fmt"

	"mercator-hq/tally/pkg/attribution"
	"mercator-hq/tally/pkg/config"
	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/ledger"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/replay"
	"mercator-hq/tally/pkg/usage/transcript"
)

// Process exit codes.
const (
	ExitOK = 0

	// ExitFailure covers integrity violations, replay divergences and any
	// other failure that is not the input's or the configuration's fault.
	ExitFailure = 1

	// ExitMalformedInput covers unreadable transcripts, malformed usage
	// records and command-line usage errors.
	ExitMalformedInput = 2

	// ExitConfig covers configuration, pricing table and pricing
	// resolution failures.
	ExitConfig = 3
)

// ConfigError represents an error in configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

// CommandError represents an error from a command execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitError carries an explicit exit code. Err may be nil when the command
// already reported the problem, for example an ingest that recorded
// unattributable events.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}

// NewExitError creates a new ExitError.
func NewExitError(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		exitErr     *ExitError
		integrity   *ledger.IntegrityError
		divergence  *replay.DivergenceError
		malformed   *costs.MalformedUsageError
		parse       *transcript.ParseError
		configErr   *ConfigError
		validation  config.ValidationError
		noPricing   *pricing.NoApplicablePricingError
		notFound    *pricing.PricingVersionNotFoundError
		duplicate   *pricing.DuplicateVersionError
		invalidTier *pricing.InvalidTierTableError
		invalid     *pricing.InvalidModelError
	)

	switch {
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.As(err, &integrity), errors.As(err, &divergence):
		return ExitFailure
	case errors.As(err, &malformed), errors.As(err, &parse):
		return ExitMalformedInput
	case errors.As(err, &configErr), errors.As(err, &validation),
		errors.As(err, &noPricing), errors.As(err, &notFound),
		errors.As(err, &duplicate), errors.As(err, &invalidTier), errors.As(err, &invalid):
		return ExitConfig
	}
	return ExitFailure
}

// IngestExitCode derives the exit code of a completed ingest from the
// unattributable events it recorded. Malformed input takes precedence over
// missing pricing.
func IngestExitCode(s *attribution.Summary) int {
	if s.Reasons[costs.ReasonMalformedUsage] > 0 {
		return ExitMalformedInput
	}
	if s.Reasons[costs.ReasonNoApplicablePricing] > 0 || s.Reasons[costs.ReasonUnknownComponent] > 0 {
		return ExitConfig
	}
	return ExitOK
}
