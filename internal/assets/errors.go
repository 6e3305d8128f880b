package assets

import (
	"errors"
	"fmt"
	"strings"
)

// GraphErrorCode categorizes graph construction and selection failures.
type GraphErrorCode string

const (
	// ErrCodeCycleDetected indicates the upstream relation contains a cycle.
	ErrCodeCycleDetected GraphErrorCode = "CYCLE_DETECTED"

	// ErrCodeUnknownAsset indicates a reference to a key absent from the graph.
	ErrCodeUnknownAsset GraphErrorCode = "UNKNOWN_ASSET"

	// ErrCodeDuplicateAsset indicates two nodes share a key.
	ErrCodeDuplicateAsset GraphErrorCode = "DUPLICATE_ASSET"

	// ErrCodeInvalidKey indicates a malformed asset key.
	ErrCodeInvalidKey GraphErrorCode = "INVALID_KEY"

	// ErrCodeInvalidNode indicates a node missing required fields for its kind.
	ErrCodeInvalidNode GraphErrorCode = "INVALID_NODE"

	// ErrCodeEmptySelection indicates a selection resolved to no assets.
	ErrCodeEmptySelection GraphErrorCode = "EMPTY_SELECTION"
)

// GraphError is returned for any structural problem with the asset graph or
// with a selection evaluated against it. Graph errors are never retried.
type GraphError struct {
	Code    GraphErrorCode
	Message string

	// Keys lists the assets involved. For cycles this is the cycle path with
	// the first key repeated at the end.
	Keys []Key
}

func (e *GraphError) Error() string {
	if len(e.Keys) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	parts := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		parts[i] = k.String()
	}
	sep := ", "
	if e.Code == ErrCodeCycleDetected {
		sep = " -> "
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, sep))
}

// IsGraphError reports whether err is any *GraphError.
func IsGraphError(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge)
}

// IsCycleError reports whether err is a cycle detection error.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycleDetected)
}

// IsUnknownAssetError reports whether err names a key absent from the graph.
func IsUnknownAssetError(err error) bool {
	return hasCode(err, ErrCodeUnknownAsset)
}

func hasCode(err error, code GraphErrorCode) bool {
	var ge *GraphError
	if errors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}

func unknownAsset(context string, k Key) *GraphError {
	return &GraphError{
		Code:    ErrCodeUnknownAsset,
		Message: context,
		Keys:    []Key{k},
	}
}
