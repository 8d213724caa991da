// Package learning adjusts the scorer's tone reference vectors from
// recorded experiences in the background. Updates are step-clipped and
// must pass a regression suite before they are published; aggregates
// released from the loop are perturbed under a fixed privacy budget.
package learning

import "errors"

var (
	// ErrBudgetExhausted is returned once a release would exceed the
	// privacy budget. The budget is never replenished.
	ErrBudgetExhausted = errors.New("learning: privacy budget exhausted")
	// ErrRegression is returned when a candidate update fails the
	// regression suite and is discarded.
	ErrRegression = errors.New("learning: update failed regression suite")
	// ErrInsufficientData is returned when the buffer holds no experience.
	ErrInsufficientData = errors.New("learning: not enough experiences")
)
