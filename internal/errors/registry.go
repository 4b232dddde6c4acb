package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Schema Errors (E001-E019)
	// ============================================

	"E001": {
		Category: CategorySchema,
		Message:  "Schema syntax error",
		Detail:   "A TL declaration could not be parsed. Each declaration must have the form name#id arg:type ... = Type;",
	},
	"E002": {
		Category: CategorySchema,
		Message:  "Invalid flag predicate",
		Detail:   "A flags.N?T argument references a field that is not declared earlier as a # argument, or N is outside 0..31.",
	},
	"E003": {
		Category: CategorySchema,
		Message:  "Unresolved bare type",
		Detail:   "A bare type reference does not name a constructor declared in the schema.",
	},
	"E004": {
		Category: CategorySchema,
		Message:  "Constructor ID mismatch",
		Detail:   "The literal #id of a declaration differs from the CRC32 of its canonical signature.",
	},

	// ============================================
	// Session Errors (E040-E059)
	// ============================================

	"E040": {
		Category: CategorySession,
		Message:  "Authorization key not ready",
		Detail:   "An encrypted message was requested before a permanent key was negotiated or loaded.",
	},
	"E041": {
		Category: CategorySession,
		Message:  "Unknown authorization key",
		Detail:   "A frame was encrypted with a key that matches none of the session's key slots.",
	},
	"E042": {
		Category: CategorySession,
		Message:  "Session reset",
		Detail:   "The session was reset while the request was pending.",
	},

	// ============================================
	// Network Errors (E060-E079)
	// ============================================

	"E060": {
		Category: CategoryNetwork,
		Message:  "Transport failure",
		Detail:   "The connection to the datacenter failed or was closed.",
	},
	"E061": {
		Category: CategoryNetwork,
		Message:  "Key exchange failed",
		Detail:   "The Diffie-Hellman handshake with the datacenter did not complete.",
	},
	"E062": {
		Category: CategoryNetwork,
		Message:  "Request timed out",
		Detail:   "No response arrived for the request within its timeout.",
	},
	"E063": {
		Category: CategoryNetwork,
		Message:  "Datacenter already connected",
		Detail:   "A connection manager for this datacenter already exists.",
	},
	"E064": {
		Category: CategoryNetwork,
		Message:  "Network manager destroyed",
		Detail:   "The network manager was shut down.",
	},
	"E065": {
		Category: CategoryNetwork,
		Message:  "RPC error",
		Detail:   "The server answered the request with an rpc_error.",
	},

	// ============================================
	// Storage Errors (E080-E099)
	// ============================================

	"E080": {
		Category: CategoryStorage,
		Message:  "Storage backend failure",
		Detail:   "The key store returned an error.",
	},
	"E081": {
		Category: CategoryStorage,
		Message:  "Unknown storage driver",
		Detail:   "Supported drivers are memory, file, sql, etcd and s3.",
	},
	"E082": {
		Category: CategoryStorage,
		Message:  "Store closed",
		Detail:   "An operation was attempted on a closed key store.",
	},

	// ============================================
	// Configuration Errors (E120-E139)
	// ============================================

	"E120": {
		Category: CategoryConfig,
		Message:  "Invalid configuration file",
		Detail:   "The configuration file is malformed.",
	},
	"E121": {
		Category: CategoryConfig,
		Message:  "Missing required configuration",
		Detail:   "A required configuration value is not set.",
	},
	"E122": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
		Detail:   "A configuration value is outside its allowed range.",
	},

	// ============================================
	// CLI Errors (E140-E159)
	// ============================================

	"E140": {
		Category: CategoryCLI,
		Message:  "Invalid argument",
		Detail:   "A command argument could not be parsed.",
	},
	"E141": {
		Category: CategoryCLI,
		Message:  "Configuration file not found",
		Detail:   "No configuration file exists at the given path.",
	},
	"E142": {
		Category: CategoryCLI,
		Message:  "Unknown datacenter",
		Detail:   "The datacenter id is not listed in the configuration.",
	},
	"E143": {
		Category: CategoryCLI,
		Message:  "Invalid TL object",
		Detail:   "The JSON input must be an object with a \"_\" key naming a constructor or method.",
	},
}

// GetAllCodes returns all registered error codes in ascending order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a new error template to the registry.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}
