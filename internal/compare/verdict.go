package compare

import "fmt"

// Verdict is the outcome of comparing a candidate against its baseline.
type Verdict int

const (
	// Match means the candidate is within threshold of the baseline.
	Match Verdict = iota + 1
	// Mismatch means the candidate diverges beyond the threshold.
	Mismatch
	// NoBaseline means the baseline was an empty placeholder (first run).
	NoBaseline
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	case NoBaseline:
		return "no_baseline"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Valid reports whether v is one of the defined verdicts.
func (v Verdict) Valid() bool {
	return v == Match || v == Mismatch || v == NoBaseline
}
