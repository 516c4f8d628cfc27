package response

import "net/http"

// Reason returns the reason phrase for code.
func Reason(code int) string {
	if r := http.StatusText(code); r != "" {
		return r
	}
	switch {
	case code >= 500:
		return "Server Error"
	case code >= 400:
		return "Client Error"
	case code >= 300:
		return "Redirection"
	default:
		return "Status"
	}
}

// bodyless reports whether a status forbids a message body.
func bodyless(code int) bool {
	return code < 200 || code == 204 || code == 304
}
