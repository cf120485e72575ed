package protocol

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
)

// Server → client tags.
const (
	TagOutput         byte = 0
	TagSetTitle       byte = 1
	TagSetPreferences byte = 2
)

// Client → server tags.
const (
	TagInput  byte = '0'
	TagResize byte = '1'
)

var (
	ErrEmptyFrame      = errors.New("empty frame")
	ErrMalformedResize = errors.New("malformed resize payload")
	ErrInvalidSize     = errors.New("terminal size must be at least 1x1")
)

// Type discriminates the frame variants.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeOutput
	TypeSetTitle
	TypeSetPreferences
	TypeInput
	TypeResize
)

// String returns the string representation of the type
func (t Type) String() string {
	switch t {
	case TypeOutput:
		return "output"
	case TypeSetTitle:
		return "set_title"
	case TypeSetPreferences:
		return "set_preferences"
	case TypeInput:
		return "input"
	case TypeResize:
		return "resize"
	default:
		return "unknown"
	}
}

// Frame is one discriminated unit of the wire protocol.
//
// Payload is used by every variant except Resize, which carries Columns and
// Rows instead. Tag is only meaningful for TypeUnknown; for the known types
// the tag is implied by Type. Decoded payloads alias the input message.
type Frame struct {
	Type    Type
	Tag     byte
	Payload []byte
	Columns int
	Rows    int
}

// Output builds a server → client output frame.
func Output(p []byte) Frame { return Frame{Type: TypeOutput, Payload: normalize(p)} }

// SetTitle builds a server → client window title frame.
func SetTitle(p []byte) Frame { return Frame{Type: TypeSetTitle, Payload: normalize(p)} }

// SetPreferences builds a server → client preferences frame.
func SetPreferences(p []byte) Frame {
	return Frame{Type: TypeSetPreferences, Payload: normalize(p)}
}

// Input builds a client → server input frame.
func Input(p []byte) Frame { return Frame{Type: TypeInput, Payload: normalize(p)} }

// Resize builds a client → server resize frame.
func Resize(columns, rows int) Frame {
	return Frame{Type: TypeResize, Columns: columns, Rows: rows}
}

// Unknown builds a frame for an unrecognized tag.
func Unknown(tag byte, p []byte) Frame {
	return Frame{Type: TypeUnknown, Tag: tag, Payload: normalize(p)}
}

// DecodeError reports a frame whose payload could not be parsed for its tag.
// It is local to the frame: callers log it and keep the connection open.
type DecodeError struct {
	Tag byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (tag %#02x): %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// resizeBody is the JSON body of a Resize frame.
type resizeBody struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// Encode serializes a frame. It never fails.
func Encode(f Frame) []byte {
	switch f.Type {
	case TypeResize:
		buf := make([]byte, 0, 32)
		buf = append(buf, TagResize)
		buf = append(buf, `{"columns":`...)
		buf = strconv.AppendInt(buf, int64(f.Columns), 10)
		buf = append(buf, `,"rows":`...)
		buf = strconv.AppendInt(buf, int64(f.Rows), 10)
		return append(buf, '}')
	default:
		buf := make([]byte, 1+len(f.Payload))
		buf[0] = tagFor(f)
		copy(buf[1:], f.Payload)
		return buf
	}
}

// DecodeClient decodes a client → server message.
func DecodeClient(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	tag, payload := msg[0], msg[1:]
	switch tag {
	case TagInput:
		return Input(payload), nil
	case TagResize:
		columns, rows, err := parseResize(payload)
		if err != nil {
			return Frame{}, &DecodeError{Tag: tag, Err: err}
		}
		return Resize(columns, rows), nil
	default:
		return Unknown(tag, payload), nil
	}
}

// DecodeServer decodes a server → client message.
func DecodeServer(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	tag, payload := msg[0], msg[1:]
	switch tag {
	case TagOutput:
		return Output(payload), nil
	case TagSetTitle:
		return SetTitle(payload), nil
	case TagSetPreferences:
		return SetPreferences(payload), nil
	default:
		return Unknown(tag, payload), nil
	}
}

// ValidSize reports whether a terminal size is acceptable on the wire.
func ValidSize(columns, rows int) bool {
	return columns >= 1 && rows >= 1
}

func parseResize(payload []byte) (int, int, error) {
	var body resizeBody
	if err := sonic.Unmarshal(payload, &body); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformedResize, err)
	}
	if !ValidSize(body.Columns, body.Rows) {
		return 0, 0, fmt.Errorf("%w: got %dx%d", ErrInvalidSize, body.Columns, body.Rows)
	}
	return body.Columns, body.Rows, nil
}

func tagFor(f Frame) byte {
	switch f.Type {
	case TypeOutput:
		return TagOutput
	case TypeSetTitle:
		return TagSetTitle
	case TypeSetPreferences:
		return TagSetPreferences
	case TypeInput:
		return TagInput
	case TypeResize:
		return TagResize
	default:
		return f.Tag
	}
}

func normalize(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	return p
}
