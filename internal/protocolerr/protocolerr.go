// Package protocolerr defines the closed error taxonomy shared by every
// subsystem in the protocol core. Every error that crosses a component
// boundary is a value wrapping one of the Kind constants below, so callers
// can make routing decisions (retry, close session, log-and-continue)
// without inspecting error strings.
package protocolerr

import "fmt"

// Kind is one of the fixed error categories from the specification's error
// handling design. The set is closed: do not add a Kind without also adding
// it to IsFatal/IsRetryable.
type Kind int

const (
	// Protocol-level (frame codec)
	KindInvalidMagic Kind = iota
	KindUnsupportedVersion
	KindMalformedHeader
	KindPayloadTooLarge
	KindInvalidOpcode
	KindTruncated

	// State-machine
	KindInvalidState
	KindUnexpectedFrame

	// Room
	KindRoomNotFound
	KindRoomAlreadyExists
	KindNotMember
	KindAlreadyMember
	KindCannotRemoveSelf
	KindInvalidClient
	KindEpochMismatch
	KindNotReady

	// Crypto
	KindDecryptionFailed
	KindStaleMessage
	KindUnknownSender
	KindKeyDerivationFailed

	// I/O
	KindStorageFailure
	KindTransportClosed
	KindTransportIO

	// Auth / session
	KindUnauthenticated
	KindInvalidFrame
	KindRateLimited
)

var kindNames = map[Kind]string{
	KindInvalidMagic:        "InvalidMagic",
	KindUnsupportedVersion:  "UnsupportedVersion",
	KindMalformedHeader:     "MalformedHeader",
	KindPayloadTooLarge:     "PayloadTooLarge",
	KindInvalidOpcode:       "InvalidOpcode",
	KindTruncated:           "Truncated",
	KindInvalidState:        "InvalidState",
	KindUnexpectedFrame:     "UnexpectedFrame",
	KindRoomNotFound:        "RoomNotFound",
	KindRoomAlreadyExists:   "RoomAlreadyExists",
	KindNotMember:           "NotMember",
	KindAlreadyMember:       "AlreadyMember",
	KindCannotRemoveSelf:    "CannotRemoveSelf",
	KindInvalidClient:       "InvalidClient",
	KindEpochMismatch:       "EpochMismatch",
	KindNotReady:            "NotReady",
	KindDecryptionFailed:    "DecryptionFailed",
	KindStaleMessage:        "StaleMessage",
	KindUnknownSender:       "UnknownSender",
	KindKeyDerivationFailed: "KeyDerivationFailed",
	KindStorageFailure:      "StorageFailure",
	KindTransportClosed:     "TransportClosed",
	KindTransportIO:         "TransportIO",
	KindUnauthenticated:     "Unauthenticated",
	KindInvalidFrame:        "InvalidFrame",
	KindRateLimited:         "RateLimited",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// fatalKinds terminates the originating session or operation; retryKinds may
// be retried by the caller after backoff. Assignment is fixed per spec §7 and
// tested in protocolerr_test.go.
var fatalKinds = map[Kind]bool{
	KindInvalidClient:    true,
	KindNotMember:        true,
	KindCannotRemoveSelf: true,
	KindDecryptionFailed: true,
	KindMalformedHeader:  true,
}

var retryableKinds = map[Kind]bool{
	KindEpochMismatch: true,
	KindRateLimited:   true,
}

// Error is the concrete value returned by every core method that can fail.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Context fields, populated where the Kind uses them (EpochMismatch,
	// InvalidState, UnexpectedFrame carry structured detail per §7).
	Fields map[string]any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// IsFatal reports whether this error terminates the originating session or
// operation.
func (e *Error) IsFatal() bool { return fatalKinds[e.Kind] }

// IsRetryable reports whether the caller may retry after backoff.
func (e *Error) IsRetryable() bool { return retryableKinds[e.Kind] }

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithFields attaches structured context to an error (e.g. EpochMismatch's
// expected/actual, InvalidState's state/op) and returns it for chaining.
func (e *Error) WithFields(fields map[string]any) *Error {
	e.Fields = fields
	return e
}

// Is lets errors.Is match by Kind: errors.Is(err, protocolerr.KindNotMember)
// does not compile (Kind isn't an error), so expose a helper instead.
func Is(err error, kind Kind) bool {
	var pe *Error
	if ok := asError(err, &pe); ok {
		return pe.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
