// Package proto defines the shared result type every protocol handler in
// the stack returns. The original implementation overloads a signed int
// return (>=0 byte count on a reply sent, 0 for silently consumed, <0 with
// errno set on failure); that's replaced here with an explicit outcome plus
// a normal Go error, which the design notes flag as the idiomatic
// replacement.
package proto

// Outcome classifies what a handler did with a frame or datagram it
// accepted.
type Outcome int

const (
	// Consumed means the input was fully handled with no reply sent.
	Consumed Outcome = iota
	// Replied means Payload holds a reply body the caller should wrap in
	// a reply header (src/dst swapped) and send.
	Replied
	// Sent means the handler already transmitted its own reply (e.g. via
	// the socket layer) and the caller has nothing further to do.
	Sent
)

// Result is returned by every ether/IP/transport handler on success. A
// handler that fails returns a zero Result and a non-nil error instead.
type Result struct {
	Outcome Outcome
	Payload []byte // reply body, valid when Outcome == Replied
	N       int    // bytes sent, valid when Outcome == Sent
}

// ConsumedResult is the common "handled, no reply" result.
func ConsumedResult() Result { return Result{Outcome: Consumed} }

// RepliedResult reports that the handler produced a reply body the caller
// must header-wrap and transmit.
func RepliedResult(payload []byte) Result { return Result{Outcome: Replied, Payload: payload} }

// SentResult reports that the handler transmitted its own reply of n
// bytes already.
func SentResult(n int) Result { return Result{Outcome: Sent, N: n} }
