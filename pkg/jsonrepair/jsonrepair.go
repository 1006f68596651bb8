// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jsonrepair extracts and repairs JSON emitted by an LLM that
// didn't quite follow instructions: wrapped in markdown fences, truncated
// mid-array, or padded with leading prose. It generalizes the teacher's
// internal/jq.Executor (timeout- and size-bounded gojq evaluation) from a
// general-purpose transform utility into a narrower "does this look like
// the JSON shape I asked for" confidence check run after a repair pass.
package jsonrepair

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds how long a confidence-check jq query may run.
const DefaultTimeout = 1 * time.Second

// StripCodeFences removes a leading/trailing ```json or ``` fence, if
// present, leaving the content unchanged otherwise.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ExtractJSONObject scans s for the first balanced `{...}` object,
// tolerating leading prose and trailing commentary an LLM may have added.
// It tracks brace depth while ignoring braces inside string literals so a
// `}` in a quoted value doesn't end the scan early.
func ExtractJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("jsonrepair: no '{' found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("jsonrepair: unbalanced braces, no closing '}' found")
}

// RepairManifestsArray attempts to salvage a truncated
// `{"manifests": [...]}` payload: it finds the `"manifests":` key, then
// the last complete `"},"` array-element separator after it, truncates
// there, and closes the array and object. This recovers a usable prefix
// of manifests from a response cut off by a token limit instead of
// discarding the whole step.
func RepairManifestsArray(s string) (string, error) {
	const key = `"manifests":`
	idx := strings.Index(s, key)
	if idx < 0 {
		return "", fmt.Errorf("jsonrepair: %q not found", key)
	}

	const sep = `"},`
	lastSep := strings.LastIndex(s[idx:], sep)
	if lastSep < 0 {
		return "", fmt.Errorf("jsonrepair: no complete manifest entries found after %q", key)
	}
	cut := idx + lastSep + len(`"}`)
	return s[:cut] + "]}", nil
}

// Confidence runs a short gojq query against decoded (a value already
// produced by encoding/json.Unmarshal) and reports whether it evaluates to
// a non-empty, non-error result — a cheap sanity check that a repaired
// payload actually has the shape the caller expected (e.g. ".manifests |
// length" should be > 0) before committing to it.
func Confidence(ctx context.Context, expression string, decoded any) (bool, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return false, fmt.Errorf("jsonrepair: parse confidence query: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return false, fmt.Errorf("jsonrepair: compile confidence query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		iter := code.Run(decoded)
		v, ok := iter.Next()
		if !ok {
			resultCh <- nil
			return
		}
		if err, isErr := v.(error); isErr {
			errCh <- err
			return
		}
		resultCh <- v
	}()

	select {
	case v := <-resultCh:
		switch n := v.(type) {
		case nil:
			return false, nil
		case float64:
			return n > 0, nil
		case bool:
			return n, nil
		default:
			return true, nil
		}
	case err := <-errCh:
		return false, err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
