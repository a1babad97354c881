package voicelive

import (
	"github.com/hiresim/voicelive/pkg/core"
)

// SDK-level error type that wraps core errors
type Error = core.Error

// Error categories
const (
	CategoryPermission = core.CategoryPermission
	CategoryNetwork    = core.CategoryNetwork
	CategoryAPI        = core.CategoryAPI
	CategoryUnknown    = core.CategoryUnknown
)

// Error constructors and the categorizer
var (
	NewPermissionError  = core.NewPermissionError
	NewNetworkError     = core.NewNetworkError
	NewAPIError         = core.NewAPIError
	NewTerminalAPIError = core.NewTerminalAPIError
	Categorize          = core.Categorize
)

// TransportError represents HTTP/WebSocket transport-level failures while
// talking to the token endpoint or the live gateway.
type TransportError = core.TransportError
