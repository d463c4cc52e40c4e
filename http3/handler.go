package http3

// Header is a single QPACK-decoded (or to-be-encoded) name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header block. Pseudo-headers (":status", ":method",
// ...) are kept alongside regular fields, matching how marten-seemann/qpack
// hands them back from Decoder.DecodeFull.
type Headers []Header

// Get returns the value of the first header named name, case-sensitively
// (QPACK requires lowercase field names on the wire already).
func (h Headers) Get(name string) (string, bool) {
	for _, f := range h {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Status returns the numeric value of the ":status" pseudo-header, or 0 if
// absent or malformed.
func (h Headers) Status() int {
	v, ok := h.Get(":status")
	if !ok {
		return 0
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func isInterimStatus(status int) bool { return status >= 100 && status < 200 }

// TransactionHandler is the application-facing contract a Transaction drives.
// A handler holds a non-owning reference to its Transaction; the reference
// must be treated as invalid once DetachTransaction has run.
type TransactionHandler interface {
	OnHeaders(h Headers, interim bool)
	OnBody(p []byte)
	OnBodyWithOffset(offset uint64, p []byte)
	OnBodySkipped(newOffset uint64)
	OnTrailers(h Headers)
	OnEOM()
	OnError(err *HTTPException)
	OnGoaway(lastID uint64)
	OnPushedTransaction(child *Transaction)
	DetachTransaction()
}

// ConnectCallback receives the outcome of a Session's handshake exactly once.
type ConnectCallback interface {
	ConnectSuccess()
	ConnectError(err *HTTPException)
}

// SessionInfoCallback receives Session-level lifecycle notifications.
type SessionInfoCallback interface {
	OnReplaySafe()
	OnDestroy()
}

// NoOpHandler is an embeddable zero-value TransactionHandler: tests and
// callers that only care about a subset of events embed it and override the
// methods they need, rather than implementing the whole interface by hand.
type NoOpHandler struct{}

func (NoOpHandler) OnHeaders(Headers, bool)              {}
func (NoOpHandler) OnBody([]byte)                        {}
func (NoOpHandler) OnBodyWithOffset(uint64, []byte)      {}
func (NoOpHandler) OnBodySkipped(uint64)                 {}
func (NoOpHandler) OnTrailers(Headers)                   {}
func (NoOpHandler) OnEOM()                               {}
func (NoOpHandler) OnError(*HTTPException)               {}
func (NoOpHandler) OnGoaway(uint64)                      {}
func (NoOpHandler) OnPushedTransaction(*Transaction)     {}
func (NoOpHandler) DetachTransaction()                   {}

var _ TransactionHandler = NoOpHandler{}

// pushID is a push promise identifier. It is a distinct type from
// quic.StreamID so the two id spaces are never confused at a call site.
type pushID uint64
