package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload means a required field is missing or has the wrong
	// type, or the payload is not a JSON object.
	ErrMalformedPayload = errors.New("codec: malformed payload")

	// ErrUnknownChannel means the topic does not match the fleet grammar.
	ErrUnknownChannel = errors.New("codec: unknown channel")

	// ErrInvalidCommand is returned by EncodeControl for an unusable
	// device ID, action or parameter set.
	ErrInvalidCommand = errors.New("codec: invalid command")
)

// DecodeError describes why an inbound message was rejected.
type DecodeError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %s (topic %q)", e.Err, e.Reason, e.Topic)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func malformed(topic, format string, args ...any) error {
	return &DecodeError{Topic: topic, Reason: fmt.Sprintf(format, args...), Err: ErrMalformedPayload}
}

func unknownChannel(topic, reason string) error {
	return &DecodeError{Topic: topic, Reason: reason, Err: ErrUnknownChannel}
}
