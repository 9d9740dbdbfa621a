package retry

import (
	"context"
	"time"
)

// Do runs fn until it succeeds, the classifier calls the error terminal, or
// the strategy runs out of attempts. The wait between attempts honours ctx.
func Do(ctx context.Context, strategy Strategy, classifier Classifier, fn func(attempt int) error) error {
	if classifier == nil {
		classifier = DefaultClassifier{}
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		if classifier.Classify(err) == Terminal || !strategy.ShouldRetry(attempt) {
			return err
		}

		if err := Sleep(ctx, strategy.WaitBefore(attempt)); err != nil {
			return err
		}
	}
}

// Sleep pauses for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
