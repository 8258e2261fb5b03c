package sim

import "fmt"

// Invariant is a named predicate over whatever state a scenario closes
// over; it returns a non-empty failure message when violated.
type Invariant struct {
	Name string
	Fn   func() (ok bool, failureMessage string)
}

// VerifyResult is the outcome of one InvariantChecker.Verify call.
type VerifyResult struct {
	Passed   bool
	Failures []string
}

// InvariantChecker holds a set of named invariants and checks all of them
// on demand (§4.6); registering two invariants under the same name is
// rejected so a typo doesn't silently shadow an earlier check.
type InvariantChecker struct {
	order      []string
	invariants map[string]Invariant
}

// NewInvariantChecker creates an empty checker.
func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{invariants: make(map[string]Invariant)}
}

// Register adds inv to the checker. It returns an error if the name is
// already registered.
func (c *InvariantChecker) Register(inv Invariant) error {
	if _, exists := c.invariants[inv.Name]; exists {
		return fmt.Errorf("sim: invariant %q already registered", inv.Name)
	}
	c.order = append(c.order, inv.Name)
	c.invariants[inv.Name] = inv
	return nil
}

// Verify evaluates every registered invariant and reports which, if any,
// failed. Evaluation order matches registration order so failures are
// reproducible across runs.
func (c *InvariantChecker) Verify() VerifyResult {
	var failures []string
	for _, name := range c.order {
		inv := c.invariants[name]
		if ok, msg := inv.Fn(); !ok {
			if msg == "" {
				msg = fmt.Sprintf("invariant %q violated", name)
			}
			failures = append(failures, fmt.Sprintf("%s: %s", name, msg))
		}
	}
	return VerifyResult{Passed: len(failures) == 0, Failures: failures}
}
