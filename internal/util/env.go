// Package util provides environment variable parsing helpers shared across components.
package util

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvReader reads typed environment variables. Malformed values fall back to
// the default and are remembered so configuration loading can report all of
// them at once.
type EnvReader struct {
	errs []error
}

// String returns the trimmed value of key, or def when unset or blank.
func (e *EnvReader) String(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Int parses key as a base-10 integer.
func (e *EnvReader) Int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

// Bool parses key as a boolean.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive).
func (e *EnvReader) Bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
	return def
}

// Duration parses key as a time.Duration ("90s", "1h").
func (e *EnvReader) Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

// Errs returns the malformed values seen so far.
func (e *EnvReader) Errs() []error {
	return e.errs
}

// Err joins the malformed values seen so far, or returns nil.
func (e *EnvReader) Err() error {
	return errors.Join(e.errs...)
}
