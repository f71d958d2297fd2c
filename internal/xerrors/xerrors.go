// Package xerrors implements the component:subject:reason error tagging
// convention used across the execution engine and on the bus's error fields.
package xerrors

import (
	"errors"
	"fmt"
)

// Tagged is an error carrying the component, subject (usually a chain name
// or opportunity id) and a short machine-matchable reason.
type Tagged struct {
	Component string
	Subject   string
	Reason    string
	Err       error
}

// New builds a Tagged error with no wrapped cause.
func New(component, subject, reason string) *Tagged {
	return &Tagged{Component: component, Subject: subject, Reason: reason}
}

// Wrap builds a Tagged error wrapping an existing cause.
func Wrap(component, subject, reason string, err error) *Tagged {
	return &Tagged{Component: component, Subject: subject, Reason: reason, Err: err}
}

func (e *Tagged) Error() string {
	if e.Subject == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s:%s: %v", e.Component, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s:%s", e.Component, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s:%s:%s: %v", e.Component, e.Subject, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s:%s:%s", e.Component, e.Subject, e.Reason)
}

func (e *Tagged) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Tagged with the same component and reason;
// subject is deliberately excluded so callers can match "mev:*:provider_not_cached".
func (e *Tagged) Is(target error) bool {
	var t *Tagged
	if !errors.As(target, &t) {
		return false
	}
	return e.Component == t.Component && e.Reason == t.Reason
}

// ErrGasSpike is returned by the gas optimizer when a refreshed price exceeds
// the spike threshold relative to the previously quoted price.
var ErrGasSpike = errors.New("ERR_GAS_SPIKE")
