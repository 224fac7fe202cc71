package errs

// InvalidFilter reports a filter payload rejected at compile time.
func InvalidFilter(component, field, reason string) *E {
	return New(component, CodeInvalid,
		WithKind(KindInvalidFilter),
		WithField(field),
		WithReason(reason),
		WithMessage("filter rejected"))
}

// SnapshotFailed reports an aborted historical snapshot. Partial snapshots
// are never surfaced as success.
func SnapshotFailed(component string, page int, cause error) *E {
	return New(component, CodeNetwork,
		WithKind(KindSnapshotFailed),
		WithPage(page),
		WithCause(cause),
		WithMessage("snapshot aborted"))
}

// UpstreamUnavailable reports that the ingestor was not RUNNING when a
// subscription required it.
func UpstreamUnavailable(component, state string) *E {
	return New(component, CodeUnavailable,
		WithKind(KindUpstreamUnavailable),
		WithMetaField("consumer_state", state),
		WithMessage("upstream consumer not running"))
}

// PoisonMessage reports an upstream record that could not be decoded.
func PoisonMessage(component, topic string, cause error) *E {
	return New(component, CodeInvalid,
		WithKind(KindUpstreamPoison),
		WithMetaField("topic", topic),
		WithCause(cause),
		WithMessage("undecodable upstream record"))
}

// OverflowDrop reports events discarded by a bounded subscription inbox.
// Non-fatal; the stream continues.
func OverflowDrop(component string, n uint64) *E {
	return New(component, CodeExhausted,
		WithKind(KindOverflowDrop),
		WithDropped(n),
		WithMessage("inbox overflow, oldest events dropped"))
}

// TransportClosed reports a client connection that went away mid-stream.
func TransportClosed(component string, cause error) *E {
	return New(component, CodeClosed,
		WithKind(KindTransportClosed),
		WithCause(cause),
		WithMessage("client transport closed"))
}

// Timeout reports an exceeded I/O deadline.
func Timeout(component, op string) *E {
	return New(component, CodeTimeout,
		WithMetaField("op", op),
		WithMessage("deadline exceeded"))
}
