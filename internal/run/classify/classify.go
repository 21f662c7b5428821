// Package classify maps raw failure signals to the fixed error-kind
// taxonomy. Deterministic markers are matched before any substring
// heuristic: a catch-all checked too early silently swallows timeouts.
package classify

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/ndhoang/lanerun/internal/core/domain"
)

// deadlinePattern matches the exact wording the executor and common
// clients emit for an enforced wall-clock deadline.
var deadlinePattern = regexp.MustCompile(`deadline exceeded after \d+(\.\d+)?s`)

// kindMarkers maps each non-timeout kind to the substrings that identify
// it. Order within a kind does not matter; order across kinds is fixed by
// kindOrder below.
var kindMarkers = map[domain.ErrorKind][]string{
	domain.ErrKindCallFormat: {
		"malformed call", "invalid json", "unparseable", "call format",
		"unexpected token", "parse error",
	},
	domain.ErrKindDependency: {
		"dependency", "upstream unavailable", "connection refused",
		"service unavailable", "503", "502", "dial tcp",
	},
	domain.ErrKindParameter: {
		"invalid parameter", "unknown argument", "missing required",
		"parameter", "400 bad request",
	},
	domain.ErrKindSelection: {
		"no such tool", "unknown selection", "selection", "not one of",
	},
	domain.ErrKindSequence: {
		"out of order", "sequence", "precondition not met", "wrong state",
	},
	domain.ErrKindTurnLimit: {
		"turn limit", "max turns", "conversation too long",
	},
}

// kindOrder fixes the precedence of the heuristic markers. turn_limit is
// checked first because "max turns exceeded" messages often also contain
// generic words the broader kinds would match.
var kindOrder = []domain.ErrorKind{
	domain.ErrKindTurnLimit,
	domain.ErrKindCallFormat,
	domain.ErrKindParameter,
	domain.ErrKindSelection,
	domain.ErrKindSequence,
	domain.ErrKindDependency,
}

// Classify determines the error kind for a raw failure signal.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrKindOther
	}

	// Unambiguous deterministic markers first.
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindTimeout
	}

	s := strings.ToLower(err.Error())
	if deadlinePattern.MatchString(s) || strings.Contains(s, "context deadline exceeded") {
		return domain.ErrKindTimeout
	}

	for _, kind := range kindOrder {
		for _, marker := range kindMarkers[kind] {
			if strings.Contains(s, marker) {
				return kind
			}
		}
	}

	return domain.ErrKindOther
}
