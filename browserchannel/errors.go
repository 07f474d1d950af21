package browserchannel

import "errors"

// Sentinel errors returned by the registry and session state machine.
// Callers should compare against these with errors.Is rather than string
// matching.
var (
	// ErrUnknownSID is returned when a /bind request carries a SID that
	// isn't present in the registry.
	ErrUnknownSID = errors.New("browserchannel: unknown SID")

	// ErrBadData is returned by the decoder when a forward-channel payload
	// can't be parsed.
	ErrBadData = errors.New("browserchannel: bad data")

	// ErrTooManySessions is returned by Registry.Create when the
	// admission limiter denies a new session. The limiter is shared by all
	// client addresses; it is not kept per address.
	ErrTooManySessions = errors.New("browserchannel: too many sessions")

	// ErrSessionClosed is returned by Session.Send/Stop once the session
	// has transitioned to the closed state.
	ErrSessionClosed = errors.New("browserchannel: session closed")

	// ErrBackChannelRIDRequired is returned by Session.SetBackChannel when
	// the query is missing RID=rpc.
	ErrBackChannelRIDRequired = errors.New("browserchannel: RID=rpc required to bind back channel")

	// ErrTooManyBufferedOffsets is the close reason recorded when a
	// session's reorder buffer exceeds MaxBufferedOffsets.
	ErrTooManyBufferedOffsets = errors.New("browserchannel: too many buffered offsets")

	// ErrIDGenerationExhausted is returned by Registry.Create when
	// generateUniqueID can't find a free id after repeated CSPRNG draws --
	// a sign the registry itself is in a bad state, not that a client
	// supplied an unrecognized SID.
	ErrIDGenerationExhausted = errors.New("browserchannel: could not generate a unique session id")
)
