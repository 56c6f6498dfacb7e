package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// ParseError indicates malformed lscp or mount table output
	ParseError ErrorCode = "PARSE_ERROR"
	// VolumeQueryFailed indicates an lscp/mkcp/chcp invocation failed
	VolumeQueryFailed ErrorCode = "VOLUME_QUERY_FAILED"
	// NoVolumeFound indicates no live NILFS2 volume is mounted
	NoVolumeFound ErrorCode = "NO_VOLUME_FOUND"
	// PathNotOwned indicates the path does not live on a mounted NILFS2 volume
	PathNotOwned ErrorCode = "PATH_NOT_OWNED"
	// InvariantViolation indicates the volume tools broke their ordering contract
	InvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	// Timeout indicates a volume command timed out
	Timeout ErrorCode = "TIMEOUT"
	// CheckpointNotFound indicates the requested checkpoint is not mounted or cached
	CheckpointNotFound ErrorCode = "CHECKPOINT_NOT_FOUND"
	// DestinationExists indicates a restore target already exists
	DestinationExists ErrorCode = "DESTINATION_EXISTS"
	// ConfigInvalid indicates a configuration value was rejected
	ConfigInvalid ErrorCode = "CONFIG_INVALID"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// FixActionType represents the type of fix action
type FixActionType string

const (
	// RunCommand suggests running a command
	RunCommand FixActionType = "run-command"
	// InstallTool suggests installing a tool
	InstallTool FixActionType = "install-tool"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Type        FixActionType `json:"type"`
	Command     string        `json:"command,omitempty"`
	Safe        bool          `json:"safe,omitempty"`
	Description string        `json:"description,omitempty"`
	Tool        string        `json:"tool,omitempty"`
}

// TimebrowseError represents an error with code, message, and suggestions
type TimebrowseError struct {
	Code           ErrorCode   `json:"code"`
	Message        string      `json:"message"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error       // Underlying error (not exported to JSON)
}

// New creates a new TimebrowseError with the default fixes for its code
func New(code ErrorCode, message string, cause error) *TimebrowseError {
	return &TimebrowseError{
		Code:           code,
		Message:        message,
		cause:          cause,
		SuggestedFixes: GetSuggestedFixes(code),
	}
}

// Error implements the error interface
func (e *TimebrowseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *TimebrowseError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *TimebrowseError) WithDetails(details interface{}) *TimebrowseError {
	e.Details = details
	return e
}

// WithFixes replaces the suggested fixes
func (e *TimebrowseError) WithFixes(fixes ...FixAction) *TimebrowseError {
	e.SuggestedFixes = fixes
	return e
}

// CodeOf returns the code of the first TimebrowseError in err's chain,
// or the empty code when there is none.
func CodeOf(err error) ErrorCode {
	var te *TimebrowseError
	if stderrors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsNothingToShow reports whether err only means "no NILFS2 history here".
// Callers render an empty result instead of failing.
func IsNothingToShow(err error) bool {
	switch CodeOf(err) {
	case NoVolumeFound, PathNotOwned:
		return true
	}
	return false
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	VolumeQueryFailed: {
		{
			Type:        InstallTool,
			Tool:        "nilfs-tools",
			Description: "lscp, mkcp and chcp ship with nilfs-tools (nilfs-utils)",
		},
		{
			Type:        RunCommand,
			Command:     "timebrowse mounts",
			Safe:        true,
			Description: "Check which NILFS2 volumes are mounted",
		},
	},
	NoVolumeFound: {
		{
			Type:        RunCommand,
			Command:     "mount -t nilfs2",
			Safe:        true,
			Description: "List mounted NILFS2 filesystems",
		},
	},
	Timeout: {
		{
			Type:        RunCommand,
			Command:     "timebrowse list --refresh",
			Safe:        true,
			Description: "Retry once the volume is less busy",
		},
	},
	ConfigInvalid: {
		{
			Type:        RunCommand,
			Command:     "timebrowse config show",
			Safe:        true,
			Description: "Inspect the effective configuration",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}
