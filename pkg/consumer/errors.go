package consumer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by errors about consumer instances or topics
	// that do not exist. Deleted and expired instances are indistinguishable
	// from instances that never existed.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig is wrapped by errors about rejected instance
	// configurations.
	ErrInvalidConfig = errors.New("invalid consumer configuration")

	// ErrBroker is wrapped by errors from the broker client.
	ErrBroker = errors.New("broker request failed")

	// ErrInternal is wrapped by failures of the manager itself and its
	// collaborators other than the broker, like a metadata lookup failure
	// or an exhausted task queue.
	ErrInternal = errors.New("internal error")

	// ErrEndOfStream is returned by BrokerConsumer.Poll when the handle will
	// never deliver records again. The read task treats it as a successful
	// completion with the records accumulated so far.
	ErrEndOfStream = errors.New("end of stream")

	// ErrShutdown is the terminal result of tasks still queued when the
	// manager stops, and of operations submitted after it stopped.
	ErrShutdown = fmt.Errorf("%w: consumer manager stopped", ErrInternal)

	// ErrTooManyTasks is returned when the scheduler queue is at capacity.
	ErrTooManyTasks = fmt.Errorf("%w: too many queued tasks", ErrInternal)
)

func errInstanceNotFound(group, id string) error {
	return fmt.Errorf("consumer instance %s in group %s: %w", id, group, ErrNotFound)
}

func errTopicNotFound(topic string) error {
	return fmt.Errorf("topic %s: %w", topic, ErrNotFound)
}

func errInstanceExists(group, id string) error {
	return fmt.Errorf("%w: instance %s already exists in group %s", ErrInvalidConfig, id, group)
}

func errUnknownFormat(format string) error {
	return fmt.Errorf("%w: unknown format %q", ErrInvalidConfig, format)
}

func errUnknownReset(reset string) error {
	return fmt.Errorf("%w: unknown auto.offset.reset %q", ErrInvalidConfig, reset)
}

func wrapBrokerError(err error) error {
	if err == nil || errors.Is(err, ErrBroker) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBroker, err)
}

func wrapInternalError(err error, what string) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, what, err)
}
