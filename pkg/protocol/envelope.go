package protocol

import (
	"encoding/json"
	"fmt"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/types"
)

// Envelope is the wire form of a Message. Error responses carry Code and Error instead of Body.
type Envelope struct {
	Kind  Kind            `json:"kind,omitempty"`
	From  types.PeerAddr  `json:"from,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
	Code  dberrors.Code   `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
}

func Wrap(from types.PeerAddr, msg Message) (Envelope, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}
	return Envelope{Kind: msg.Kind(), From: from, Body: body}, nil
}

// WrapError builds the error answer for a failed request.
func WrapError(from types.PeerAddr, err error) Envelope {
	return Envelope{From: from, Code: dberrors.CodeOf(err), Error: err.Error()}
}

// Err returns the remote error carried by the envelope, if any.
func (e Envelope) Err() error {
	if e.Code == dberrors.CodeOK && e.Error == "" {
		return nil
	}
	code := e.Code
	if code == dberrors.CodeOK {
		code = dberrors.CodeInternal
	}
	return dberrors.FromCode(code, e.Error)
}

// Unwrap decodes the body into the concrete message type named by Kind.
func (e Envelope) Unwrap() (Message, error) {
	if err := e.Err(); err != nil {
		return nil, err
	}

	var msg Message
	switch e.Kind {
	case KindPrepare:
		msg = decode[Prepare](e.Body)
	case KindPrepareResponse:
		msg = decode[PrepareResponse](e.Body)
	case KindAccept:
		msg = decode[Accept](e.Body)
	case KindAcceptResponse:
		msg = decode[AcceptResponse](e.Body)
	case KindLearn:
		msg = decode[Learn](e.Body)
	case KindTimeRequest:
		msg = decode[TimeRequest](e.Body)
	case KindTimeResponse:
		msg = decode[TimeResponse](e.Body)
	case KindReplicate:
		msg = decode[Replicate](e.Body)
	case KindAck:
		msg = decode[Ack](e.Body)
	case KindFetch:
		msg = decode[Fetch](e.Body)
	case KindFetchResponse:
		msg = decode[FetchResponse](e.Body)
	case KindLoad:
		msg = decode[Load](e.Body)
	case KindLoadResponse:
		msg = decode[LoadResponse](e.Body)
	case KindChunk:
		msg = decode[ChunkRequest](e.Body)
	case KindChunkResponse:
		msg = decode[ChunkResponse](e.Body)
	case KindState:
		msg = decode[StateRequest](e.Body)
	case KindStateResponse:
		msg = decode[StateResponse](e.Body)
	case KindHeartbeat:
		msg = decode[Heartbeat](e.Body)
	case KindHeartbeatResponse:
		msg = decode[HeartbeatResponse](e.Body)
	case KindExecute:
		msg = decode[Execute](e.Body)
	case KindExecuteResponse:
		msg = decode[ExecuteResponse](e.Body)
	case KindEmpty:
		msg = Empty{}
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", dberrors.ErrInvalidArgument, e.Kind)
	}

	if d, ok := msg.(decodeFailure); ok {
		return nil, fmt.Errorf("%w: decode %s: %v", dberrors.ErrInvalidArgument, e.Kind, d.err)
	}
	return msg, nil
}

type decodeFailure struct {
	Empty
	err error
}

func decode[T Message](body json.RawMessage) Message {
	var m T
	if len(body) == 0 {
		return m
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return decodeFailure{err: err}
	}
	return m
}

// Expect narrows a response to the type the caller asked for.
func Expect[T Message](msg Message, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	res, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected response %s, want %s", msg.Kind(), zero.Kind())
	}
	return res, nil
}
