package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKind = errors.New("unknown message kind")

// EncodeError reports a message whose body cannot be represented in JSON,
// such as a float field holding NaN. Nothing was written for it.
type EncodeError struct {
	Kind  Kind
	Cause error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("marshal %s: %v", e.Kind, e.Cause)
}

func (e *EncodeError) Unwrap() error { return e.Cause }

type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Marshal encodes m as {"kind": ..., "body": {...}}.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("marshal nil message")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, &EncodeError{Kind: m.Kind(), Cause: err}
	}
	return json.Marshal(envelope{Kind: m.Kind(), Body: body})
}

func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var (
		m   Message
		err error
	)
	switch env.Kind {
	case KindInitialize:
		m, err = decodeBody[Initialize](env.Body)
	case KindInitialized:
		m, err = decodeBody[Initialized](env.Body)
	case KindInitFailed:
		m, err = decodeBody[InitFailed](env.Body)
	case KindPredict:
		m, err = decodeBody[Predict](env.Body)
	case KindPredicted:
		m, err = decodeBody[Predicted](env.Body)
	case KindNotReady:
		m, err = decodeBody[NotReady](env.Body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Kind, err)
	}
	return m, nil
}

func decodeBody[T Message](body json.RawMessage) (Message, error) {
	var v T
	if len(body) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}
