// Package retry decides what happens to a delivery whose handler failed.
//
// A Strategy answers two questions for a 1-based attempt number: may another
// attempt follow, and how long to wait before it. Strategies are stateless,
// so one value is shared by every delivery of an actor.
//
// A Classifier splits failures into retryable and terminal ones. Terminal
// failures skip the remaining attempts and go straight to the exception
// handler.
//
// Example usage:
//
//	strategy, err := retry.NewStrategy(config.CountLimitedFixedWait(3, time.Second))
//	if err != nil {
//	    return err
//	}
//	if strategy.ShouldRetry(attempt) {
//	    wait := strategy.WaitBefore(attempt)
//	    ...
//	}
package retry
