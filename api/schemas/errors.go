package schemas

import "fmt"

// ErrorKind classifies the recoverable failures of an ingest tick.
type ErrorKind string

const (
	ErrMalformedRow         ErrorKind = "MALFORMED_ROW"
	ErrUnresolvableLocation ErrorKind = "UNRESOLVABLE_LOCATION"
	ErrOutlierSentiment     ErrorKind = "OUTLIER_SENTIMENT"
	ErrDuplicateRecord      ErrorKind = "DUPLICATE_RECORD"
	ErrDegenerateHalflife   ErrorKind = "DEGENERATE_HALFLIFE"
	ErrEmptyWindow          ErrorKind = "EMPTY_WINDOW"
)

// ParseError records one recovered row- or record-level failure. It never
// aborts a tick; the pipeline folds these into an ErrorSummary.
type ParseError struct {
	Kind   ErrorKind
	LineNo int
	Msg    string
}

func (e ParseError) Error() string {
	if e.LineNo > 0 {
		return fmt.Sprintf("%s at line %d: %s", e.Kind, e.LineNo, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// ErrorSummary counts recovered failures by kind for one tick.
type ErrorSummary map[ErrorKind]int

// Add records one failure of the given kind.
func (s ErrorSummary) Add(kind ErrorKind) {
	s[kind]++
}

// Merge folds another summary into this one.
func (s ErrorSummary) Merge(other ErrorSummary) {
	for k, n := range other {
		s[k] += n
	}
}

// Total returns the number of recovered failures across all kinds.
func (s ErrorSummary) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}
