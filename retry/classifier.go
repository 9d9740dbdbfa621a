package retry

import (
	"errors"
)

// Classification is the outcome of classifying a handler failure
type Classification int

const (
	// Retryable failures are redelivered while the strategy allows it
	Retryable Classification = iota
	// Terminal failures go straight to the sideline
	Terminal
)

func (c Classification) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Classifier maps a handler failure onto a Classification
type Classifier interface {
	Classify(err error) Classification
}

// ClassifierFunc is a function adapter for Classifier
type ClassifierFunc func(err error) Classification

// Classify implements Classifier
func (f ClassifierFunc) Classify(err error) Classification {
	return f(err)
}

// DefaultClassifier treats every error as retryable except those wrapping
// ErrTerminal or reporting IsRetryable() == false.
type DefaultClassifier struct{}

// Classify implements Classifier
func (DefaultClassifier) Classify(err error) Classification {
	if err == nil {
		return Retryable
	}
	if errors.Is(err, ErrTerminal) {
		return Terminal
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) && !r.IsRetryable() {
		return Terminal
	}
	return Retryable
}

// WhenRetryable builds a classifier from a predicate that returns true for
// retryable errors. Errors wrapping ErrTerminal stay terminal.
func WhenRetryable(pred func(err error) bool) Classifier {
	return ClassifierFunc(func(err error) Classification {
		if errors.Is(err, ErrTerminal) || !pred(err) {
			return Terminal
		}
		return Retryable
	})
}
