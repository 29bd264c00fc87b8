package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceNameRequired      = sterrors.New("holdflow: service name is required")
	ErrProcessorRequired        = sterrors.New("holdflow: processor is required")
	ErrLoggerRequired           = sterrors.New("holdflow: logger is required")
	ErrSettingsRequired         = sterrors.New("holdflow: settings are required")
	ErrTopicRequired            = sterrors.New("holdflow: topic is required")
	ErrHandlerRequired          = sterrors.New("holdflow: handler function is required")
	ErrServiceStopped           = sterrors.New("holdflow: service is stopped")
	ErrServiceNotFound          = sterrors.New("holdflow: service not registered")
	ErrServiceAlreadyRegistered = sterrors.New("holdflow: service already registered")
	ErrCircularDependency       = sterrors.New("holdflow: circular service dependency")
	ErrPermissionDenied         = sterrors.New("holdflow: governance denied operation")
	ErrCostLimit                = sterrors.New("holdflow: cost limit exceeded")
	ErrLLM                      = sterrors.New("holdflow: llm call failed")
	ErrStorage                  = sterrors.New("holdflow: processed store write failed")
	ErrInvalidRecord            = sterrors.New("holdflow: invalid record")
)

// ConfigValidationError wraps every problem found while validating settings.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "holdflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// PermissionError is returned when a governance gate refuses an
// (operation, source, target) triple.
type PermissionError struct {
	Operation string
	Source    string
	Target    string
	Reason    string
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("governance denied: %s cannot %s %s", e.Source, e.Operation, e.Target)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermissionDenied }

// CostLimitError is returned when a session cap or a budget refuses a call.
type CostLimitError struct {
	Service   string
	Operation string
	Reason    string
}

func (e *CostLimitError) Error() string {
	if e.Service == "" {
		return "cost limit exceeded: " + e.Reason
	}
	return fmt.Sprintf("cost limit exceeded for %s/%s: %s", e.Service, e.Operation, e.Reason)
}

func (e *CostLimitError) Is(target error) bool { return target == ErrCostLimit }

// LLMError wraps any failure reported by a provider adapter.
type LLMError struct {
	Provider string
	Model    string
	Err      error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm %s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *LLMError) Unwrap() error { return e.Err }

func (e *LLMError) Is(target error) bool { return target == ErrLLM }

// StorageError wraps a failed, rolled back processed store batch.
type StorageError struct {
	Service string
	Records int
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("write %d records to %s processed store: %v", e.Records, e.Service, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Category groups errors for metrics labels and dead-letter records.
type Category string

const (
	CategoryNone       Category = "none"
	CategoryValidation Category = "validation"
	CategoryTransform  Category = "transform"
	CategoryPolicy     Category = "policy"
	CategoryBudget     Category = "budget"
	CategoryProvider   Category = "provider"
	CategoryStorage    Category = "storage"
)

// Classify maps an error onto the error taxonomy. Unknown errors are treated as
// transform failures since they surface from Process.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case sterrors.Is(err, ErrInvalidRecord):
		return CategoryValidation
	case sterrors.Is(err, ErrPermissionDenied):
		return CategoryPolicy
	case sterrors.Is(err, ErrCostLimit):
		return CategoryBudget
	case sterrors.Is(err, ErrLLM):
		return CategoryProvider
	case sterrors.Is(err, ErrStorage):
		return CategoryStorage
	default:
		return CategoryTransform
	}
}
