package attest

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

// Checker is a composable predicate used in assertions to validate actual values
// against expected conditions.
type Checker[T any] interface {
	// Check returns true if actual satisfies this checker's condition.
	Check(actual T) bool
	// Expected returns a human-readable description of what was expected.
	Expected() string
}

// isChecker validates exact value matching.
type isChecker[T comparable] struct {
	value T
}

// Is creates a checker that validates exact equality.
func Is[T comparable](value T) isChecker[T] {
	return isChecker[T]{value: value}
}

func (m isChecker[T]) Check(actual T) bool {
	return actual == m.value
}

func (m isChecker[T]) Expected() string {
	return fmt.Sprintf("%v", m.value)
}

// absentChecker requires a JSON field to be missing altogether.
type absentChecker struct{}

// Absent passes when a JSON field does not exist. Used outside CheckJSON it
// accepts the empty string, which is what gjson yields for a missing path.
func Absent() absentChecker {
	return absentChecker{}
}

func (absentChecker) Check(actual string) bool {
	return actual == ""
}

func (absentChecker) Expected() string {
	return "field to be absent"
}

// containsChecker requires every fragment to appear in the value.
type containsChecker struct {
	fragments []string
}

// Contains passes when actual contains all of fragments.
func Contains(fragments ...string) containsChecker {
	return containsChecker{fragments: fragments}
}

func (m containsChecker) Check(actual string) bool {
	for _, f := range m.fragments {
		if !strings.Contains(actual, f) {
			return false
		}
	}

	return true
}

func (m containsChecker) Expected() string {
	return fmt.Sprintf("text containing %q", m.fragments)
}

type matchesChecker struct {
	re *regexp.Regexp
}

// Matches passes when actual matches the regular expression expr. It panics
// on an invalid expression, like regexp.MustCompile.
func Matches(expr string) matchesChecker {
	return matchesChecker{re: regexp.MustCompile(expr)}
}

func (m matchesChecker) Check(actual string) bool {
	return m.re.MatchString(actual)
}

func (m matchesChecker) Expected() string {
	return fmt.Sprintf("text matching /%s/", m.re)
}

type oneOfChecker[T comparable] struct {
	allowed []T
}

// OneOf passes when actual equals any of allowed.
func OneOf[T comparable](allowed ...T) oneOfChecker[T] {
	return oneOfChecker[T]{allowed: allowed}
}

func (m oneOfChecker[T]) Check(actual T) bool {
	return slices.Contains(m.allowed, actual)
}

func (m oneOfChecker[T]) Expected() string {
	return fmt.Sprintf("any of %v", m.allowed)
}

// notChecker negates another checker.
type notChecker[T comparable] struct {
	checker Checker[T]
}

// Not creates a checker that negates another checker.
func Not[T comparable](checker Checker[T]) notChecker[T] {
	return notChecker[T]{checker: checker}
}

func (m notChecker[T]) Check(actual T) bool {
	return !m.checker.Check(actual)
}

func (m notChecker[T]) Expected() string {
	return fmt.Sprintf("not %s", m.checker.Expected())
}

// atLeastChecker validates that a number is not below a bound.
type atLeastChecker[T int | int64 | float64] struct {
	bound T
}

// AtLeast creates a checker that accepts values greater than or equal to bound.
func AtLeast[T int | int64 | float64](bound T) atLeastChecker[T] {
	return atLeastChecker[T]{bound: bound}
}

func (m atLeastChecker[T]) Check(actual T) bool {
	return actual >= m.bound
}

func (m atLeastChecker[T]) Expected() string {
	return fmt.Sprintf("at least %v", m.bound)
}

// Check fails the step unless actual satisfies every checker.
func Check[T any](actual T, help string, checkers ...Checker[T]) {
	checkAll(actual, checkers, func(m Checker[T], actual T) {
		fail(errors.Newf("Expected: %s\n  Actual: %v", m.Expected(), actual), help)
	})
}

// CheckJSON fails the step unless every field of the JSON document doc
// satisfies its checker.
func CheckJSON(doc string, help string, checkers ...JSONFieldChecker) {
	checkAllJSON(doc, checkers, func(m JSONFieldChecker, actual any) {
		fail(errors.Newf("Expected JSON field %q: %s\n  Actual value: %v\n  In: %s",
			m.Path, m.Checker.Expected(), actual, doc), help)
	})
}

// checkAll returns true if all checkers pass for the given value.
// If onFail is provided, it's called with the first failing checker.
func checkAll[T any](value T, checkers []Checker[T], onFail func(Checker[T], T)) bool {
	for _, checker := range checkers {
		if !checker.Check(value) {
			if onFail != nil {
				onFail(checker, value)
			}

			return false
		}
	}

	return true
}

// JSONFieldChecker pairs a gjson path with a checker for that field.
type JSONFieldChecker struct {
	Path    string
	Checker Checker[string]
}

// checkAllJSON returns true if all JSON field checkers pass for the given JSON.
// If onFail is provided, it's called with the first failing checker.
func checkAllJSON(json string, checkers []JSONFieldChecker, onFail func(JSONFieldChecker, any)) bool {
	for _, m := range checkers {
		result := gjson.Get(json, m.Path)

		ok := m.Checker.Check(result.String())
		if _, absent := m.Checker.(absentChecker); absent {
			ok = !result.Exists()
		}

		if !ok {
			if onFail != nil {
				onFail(m, result.Value())
			}

			return false
		}
	}

	return true
}
