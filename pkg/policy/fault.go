// Package policy evaluates proposed agent actions against the active
// manifest and produces three-valued decisions with structured reason
// traces. Policy outcomes are values; only infrastructure failures travel
// on the error channel, as Faults.
package policy

import "fmt"

// Fault is an infrastructure failure during evaluation: a store error, a
// rule engine breakdown, or a spent deadline. It is never a policy outcome.
type Fault struct {
	Code string
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Code, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps err with a surface-visible fault code.
func NewFault(code string, err error) *Fault {
	return &Fault{Code: code, Err: err}
}
