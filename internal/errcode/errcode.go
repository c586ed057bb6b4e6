// Package errcode classifies stack failures using the POSIX-flavored
// taxonomy the protocol layers reason about internally (host/net
// unreachable, no route, buffer exhaustion, and so on), instead of ad hoc
// error strings.
package errcode

import "fmt"

// Code identifies a class of failure a caller may want to branch on.
type Code int

const (
	EHostUnreach Code = iota + 1
	ENetUnreach
	ENoRoute
	EPortUnreach
	EProtoUnreach
	EAddrInUse
	EInval
	ENoBufs
	ENotSock
	EMsgSize
	EAlready
	ETimeout
	ENoMem
	EBadMsg
)

var names = map[Code]string{
	EHostUnreach: "host unreachable",
	ENetUnreach:  "network unreachable",
	ENoRoute:     "no route to host",
	EPortUnreach: "port unreachable",
	EProtoUnreach: "protocol unreachable",
	EAddrInUse:   "address already in use",
	EInval:       "invalid argument",
	ENoBufs:      "no buffer space available",
	ENotSock:     "not a socket",
	EMsgSize:     "message too long",
	EAlready:     "operation already in progress",
	ETimeout:     "operation timed out",
	ENoMem:       "out of memory",
	EBadMsg:      "bad message",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("errcode(%d)", int(c))
}

// Error wraps an underlying error with a classification code and the
// operation that produced it.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, SomeCode) style comparisons by matching on the
// sentinel codes below.
func (e *Error) Is(target error) bool {
	t, ok := target.(codeSentinel)
	return ok && e.Code == Code(t)
}

// New builds a classified error for op, optionally wrapping a lower-level
// cause.
func New(code Code, op string, cause error) error {
	return &Error{Code: code, Op: op, Err: cause}
}

// codeSentinel wraps a Code as an error so it can serve as an errors.Is
// target, e.g. errors.Is(err, errcode.ErrNoBufs).
type codeSentinel Code

func (c codeSentinel) Error() string { return Code(c).String() }

// Is implements errors.Is symmetry when errcode.ErrNoBufs is used as the
// target and also when compared against itself.
func (c codeSentinel) Is(target error) bool {
	t, ok := target.(codeSentinel)
	return ok && c == t
}

// sentinels usable directly with errors.Is(err, errcode.ErrHostUnreach)
var (
	ErrHostUnreach  error = codeSentinel(EHostUnreach)
	ErrNetUnreach   error = codeSentinel(ENetUnreach)
	ErrNoRoute      error = codeSentinel(ENoRoute)
	ErrPortUnreach  error = codeSentinel(EPortUnreach)
	ErrProtoUnreach error = codeSentinel(EProtoUnreach)
	ErrAddrInUse    error = codeSentinel(EAddrInUse)
	ErrInval        error = codeSentinel(EInval)
	ErrNoBufs       error = codeSentinel(ENoBufs)
	ErrNotSock      error = codeSentinel(ENotSock)
	ErrMsgSize      error = codeSentinel(EMsgSize)
	ErrAlready      error = codeSentinel(EAlready)
	ErrTimeout      error = codeSentinel(ETimeout)
	ErrNoMem        error = codeSentinel(ENoMem)
	ErrBadMsg       error = codeSentinel(EBadMsg)
)
