package errors

import "sort"

// ErrorTemplate defines a registered diagnostic.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

var registry = map[string]ErrorTemplate{
	// Syntax (C001-C009)
	"C001": {
		Category: CategorySyntax,
		Message:  "Unexpected token",
		Detail:   "The parser expected a different token here. Blocks are written as `name { ... }` and directives end with `;`.",
	},
	"C002": {
		Category: CategorySyntax,
		Message:  "Unexpected end of file",
		Detail:   "A block or directive was still open when the file ended. Check for a missing `}` or `;`.",
	},
	"C003": {
		Category: CategorySyntax,
		Message:  "No server blocks",
		Detail:   "A configuration needs at least one `server { ... }` block.",
	},

	// Directives (C010-C019)
	"C010": {
		Category: CategoryDirective,
		Message:  "Unknown server directive",
		Detail:   "Valid server directives are listen, server_name, client_max_body_size, error_page and location.",
	},
	"C011": {
		Category: CategoryDirective,
		Message:  "Unknown location directive",
		Detail:   "Valid location directives are root, methods, autoindex, index, upload_store, return and cgi.",
	},
	"C012": {
		Category: CategoryDirective,
		Message:  "Missing directive argument",
	},

	// Values (C020-C039)
	"C020": {
		Category: CategoryValue,
		Message:  "Invalid listen address",
		Detail:   "listen takes `port` or `ipv4:port` with a port in 1-65535.",
	},
	"C021": {
		Category: CategoryValue,
		Message:  "Invalid body size",
		Detail:   "client_max_body_size takes a decimal number with an optional k, m or g suffix.",
	},
	"C022": {
		Category: CategoryValue,
		Message:  "Invalid status code",
		Detail:   "error_page and return codes are three digit HTTP status codes.",
	},
	"C023": {
		Category: CategoryValue,
		Message:  "Unknown HTTP method",
		Detail:   "methods accepts GET, POST and DELETE.",
	},
	"C024": {
		Category: CategoryValue,
		Message:  "Invalid autoindex value",
		Detail:   "autoindex must be `on` or `off`.",
	},
	"C025": {
		Category: CategoryValue,
		Message:  "Invalid CGI extension",
		Detail:   "cgi takes an extension starting with a dot and an optional interpreter path.",
	},
	"C026": {
		Category: CategoryValue,
		Message:  "Invalid location path",
		Detail:   "Location prefixes are absolute URL paths.",
	},

	// I/O (C040-C049)
	"C040": {
		Category: CategoryIO,
		Message:  "Cannot read configuration file",
	},
}

// GetAllCodes returns all registered codes in order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for a code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
