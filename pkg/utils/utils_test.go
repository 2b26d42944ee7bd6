package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// --- CategorizeError Tests ---

func TestCategorizeError_NilError(t *testing.T) {
	result := CategorizeError(nil)
	if result != "None" {
		t.Errorf("CategorizeError(nil) = %q, want %q", result, "None")
	}
}

func TestCategorizeError_SentinelErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"RobotsDisallowed", ErrRobotsDisallowed, "Policy_Robots"},
		{"RequestCreation", ErrRequestCreation, "Internal_RequestCreation"},
		{"ResponseBodyRead", ErrResponseBodyRead, "Network_BodyRead"},
		{"ConfigValidation", ErrConfigValidation, "Config_Validation"},
		{"ServerHTTPError", ErrServerHTTPError, "HTTP_5xx"},
		{"OtherHTTPError", ErrOtherHTTPError, "HTTP_OtherStatus"},
		{"Database", ErrDatabase, "Database_Other"},
		{"Filesystem", ErrFilesystem, "Filesystem_Other"},
		{"RetryableDecode", ErrRetryableDecode, "Decode_Retryable"},
		{"FatalFormat", ErrFatalFormat, "Decode_FatalFormat"},
		{"MissingPayload", ErrMissingPayload, "Decode_MissingPayload"},
		{"IncompleteData", ErrIncompleteData, "Episodes_Incomplete"},
		{"TypeMismatch", ErrTypeMismatch, "Sync_TypeMismatch"},
		{"DuplicateImage", ErrDuplicateImage, "Sync_DuplicateImage"},
		{"DescriptionRender", ErrDescriptionRender, "Content_Description"},
		{"NetworkBare", ErrNetwork, "Network_Other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_WrappedErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "WrappedRobotsDisallowed",
			err:      fmt.Errorf("some context: %w", ErrRobotsDisallowed),
			expected: "Policy_Robots",
		},
		{
			name:     "WrapErrorfFatalFormat",
			err:      WrapErrorf(ErrFatalFormat, "url %q has extension %q", "http://x/a.avi", ".avi"),
			expected: "Decode_FatalFormat",
		},
		{
			name:     "DoubleWrapped",
			err:      fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrIncompleteData)),
			expected: "Episodes_Incomplete",
		},
		{
			name:     "NetworkTimeout",
			err:      fmt.Errorf("%w: GET http://x: context deadline exceeded", ErrNetwork),
			expected: "Network_TimeoutGeneric",
		},
		{
			name:     "NetworkRefused",
			err:      fmt.Errorf("%w: dial tcp: connection refused", ErrNetwork),
			expected: "Network_ConnectionRefused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_ClientHTTPCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"403", fmt.Errorf("HTTP status 403 : %w", ErrClientHTTPError), "HTTP_403"},
		{"401", fmt.Errorf("HTTP status 401 : %w", ErrClientHTTPError), "HTTP_401"},
		{"410", fmt.Errorf("HTTP status 410 : %w", ErrClientHTTPError), "HTTP_410"},
		{"Generic4xx", fmt.Errorf("HTTP status 400: %w", ErrClientHTTPError), "HTTP_4xx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_RetryFailed(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrRetryFailed, fmt.Errorf("status 503: %w", ErrServerHTTPError))
	if got := CategorizeError(err); got != "RetryFailed_HTTPServer" {
		t.Errorf("CategorizeError(%v) = %q, want %q", err, got, "RetryFailed_HTTPServer")
	}
}

func TestCategorizeError_ParsingErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"URLParsing", fmt.Errorf("URL parsing failed: %w", ErrParsing), "Content_ParsingURL"},
		{"HTMLParsing", fmt.Errorf("HTML parsing failed: %w", ErrParsing), "Content_ParsingHTML"},
		{"JSONParsing", fmt.Errorf("JSON parsing failed: %w", ErrParsing), "Content_ParsingJSON"},
		{"GenericParsing", fmt.Errorf("parsing failed: %w", ErrParsing), "Content_ParsingOther"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_ContextErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"ContextCanceled", context.Canceled, "System_ContextCanceled"},
		{"ContextDeadlineExceeded", context.DeadlineExceeded, "System_ContextDeadlineExceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_NetworkStrings(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"Timeout", errors.New("connection timeout occurred"), "Network_TimeoutGeneric"},
		{"ConnectionRefused", errors.New("connection refused"), "Network_ConnectionRefused"},
		{"DNSLookup", errors.New("no such host"), "Network_DNSLookup"},
		{"TLS", errors.New("tls handshake failed"), "Network_TLS"},
		{"Certificate", errors.New("certificate verify failed"), "Network_TLS"},
		{"ConnectionReset", errors.New("reset by peer"), "Network_ConnectionReset"},
		{"BrokenPipe", errors.New("broken pipe"), "Network_BrokenPipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_Unknown(t *testing.T) {
	err := errors.New("some completely unknown error")
	result := CategorizeError(err)
	if result != "Unknown" {
		t.Errorf("CategorizeError(%v) = %q, want %q", err, result, "Unknown")
	}
}

// --- SanitizeFilename Tests ---

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Simple", "kino", "kino"},
		{"WithSlash", "path/to/source", "path_to_source"},
		{"WithColon", "source:name", "source_name"},
		{"ConsecutiveUnderscores", "a___b", "a_b"},
		{"LeadingTrailingSpaces", "  src  ", "src"},
		{"Empty", "", "untitled"},
		{"OnlyInvalidChars", "<>:", "untitled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

// --- CompileRegexPatterns Tests ---

func TestCompileRegexPatterns_EmptyStringsSkipped(t *testing.T) {
	patterns := []string{`/films/(\d+)-`, "", `/serials/`, ""}

	compiled, err := CompileRegexPatterns(patterns)
	if err != nil {
		t.Fatalf("CompileRegexPatterns() unexpected error: %v", err)
	}
	if len(compiled) != 2 {
		t.Errorf("CompileRegexPatterns() returned %d patterns, want 2", len(compiled))
	}
}

func TestCompileRegexPatterns_InvalidPattern(t *testing.T) {
	_, err := CompileRegexPatterns([]string{`valid`, `[invalid`})
	if err == nil {
		t.Fatal("CompileRegexPatterns() expected error for invalid pattern, got nil")
	}
	if !errors.Is(err, ErrConfigValidation) {
		t.Errorf("CompileRegexPatterns() error = %v, want wrapped ErrConfigValidation", err)
	}
}

func TestCompileOptionalRegex(t *testing.T) {
	re, err := CompileOptionalRegex("id_pattern", "")
	if err != nil || re != nil {
		t.Errorf("CompileOptionalRegex(empty) = %v, %v; want nil, nil", re, err)
	}
	re, err = CompileOptionalRegex("id_pattern", `/(\d+)-`)
	if err != nil || re == nil {
		t.Fatalf("CompileOptionalRegex(valid) = %v, %v", re, err)
	}
	if _, err := CompileOptionalRegex("id_pattern", `(`); !errors.Is(err, ErrConfigValidation) {
		t.Errorf("CompileOptionalRegex(invalid) error = %v, want ErrConfigValidation", err)
	}
}
