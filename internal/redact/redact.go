// Package redact strips credentials from URLs and error messages before
// they reach logs, alert sinks or the status API.
package redact

import (
	"net/url"
	"regexp"
	"strings"
)

const mask = "***"

var (
	// URLs embedded in free text, including ws/wss RPC endpoints.
	urlPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.\-]*://[^\s"'<>]+`)

	// key=value pairs whose value should never be shown.
	credentialPattern = regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api[_-]?key|apikey|access[_-]?key)=)[^&\s"']+`)
)

// URL returns raw with userinfo and query values masked and every path
// segment after the first replaced. Webhook and RPC providers commonly put
// keys in the path, so only the host and leading segment survive.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return credentialPattern.ReplaceAllString(raw, "${1}"+mask)
	}

	if u.User != nil {
		u.User = url.User(mask)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			q.Set(k, mask)
		}
		u.RawQuery = q.Encode()
	}
	u.Fragment = ""

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) > 1 || (len(segments) == 1 && len(segments[0]) >= 16) {
		keep := ""
		if len(segments[0]) < 16 {
			keep = "/" + segments[0]
		}
		u.Path = keep + "/" + mask
		u.RawPath = ""
	}

	// url.Values.Encode escapes the mask.
	return strings.ReplaceAll(u.String(), url.QueryEscape(mask), mask)
}

// String redacts every URL and credential pair found in s.
func String(s string) string {
	s = urlPattern.ReplaceAllStringFunc(s, URL)
	return credentialPattern.ReplaceAllString(s, "${1}"+mask)
}

// Error returns err with a redacted message. The original error stays
// reachable through errors.Is and errors.As.
func Error(err error) error {
	if err == nil {
		return nil
	}
	msg := String(err.Error())
	if msg == err.Error() {
		return err
	}
	return &redactedError{msg: msg, err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
