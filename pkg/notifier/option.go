package notifier

import "fmt"

// Scope selects which threads a user is notified about.
type Scope int

// Scopes, valued as stored in the preference tables.
const (
	ScopeNone Scope = 0
	ScopeAll  Scope = 1
	ScopeMine Scope = 2 // Threads the user posted to or is on the member list of
)

// Cadence selects when a user is notified.
type Cadence int

// Cadences. CadenceDailyDigest is the digest bit of a packed option code.
const (
	CadenceImmediate   Cadence = 0
	CadenceDailyDigest Cadence = 256
)

const scopeMask = 255

// NotSet is the stored code meaning "use the next level of the inheritance chain".
const NotSet = -1

// Option is a decoded email option.
type Option struct {
	Scope   Scope
	Cadence Cadence
}

// DefaultOption applies when neither the user nor the container configured anything.
var DefaultOption = Option{Scope: ScopeMine, Cadence: CadenceImmediate}

func (s Scope) valid() bool {
	return s == ScopeNone || s == ScopeAll || s == ScopeMine
}

func (c Cadence) valid() bool {
	return c == CadenceImmediate || c == CadenceDailyDigest
}

func (s Scope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeAll:
		return "all"
	case ScopeMine:
		return "mine"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

func (c Cadence) String() string {
	switch c {
	case CadenceImmediate:
		return "immediate"
	case CadenceDailyDigest:
		return "daily_digest"
	default:
		return fmt.Sprintf("cadence(%d)", int(c))
	}
}

// Encode packs a scope and cadence into a stored option code.
// ScopeNone never carries the digest bit: (None, DailyDigest) encodes like (None, Immediate).
func Encode(scope Scope, cadence Cadence) (int, error) {
	if !scope.valid() || !cadence.valid() {
		return 0, &InvalidOptionError{Code: int(scope) | int(cadence)}
	}
	if scope == ScopeNone {
		cadence = CadenceImmediate
	}
	return int(scope) | int(cadence), nil
}

// Decode unpacks a stored option code. NotSet and unknown codes are rejected.
func Decode(code int) (Option, error) {
	if code < 0 || code&^(scopeMask|int(CadenceDailyDigest)) != 0 {
		return Option{}, &InvalidOptionError{Code: code}
	}
	scope := Scope(code & scopeMask)
	if !scope.valid() {
		return Option{}, &InvalidOptionError{Code: code}
	}
	cadence := Cadence(code &^ scopeMask)
	if scope == ScopeNone {
		cadence = CadenceImmediate
	}
	return Option{Scope: scope, Cadence: cadence}, nil
}

// Code packs the option. It returns NotSet for an option holding unknown values.
func (o Option) Code() int {
	code, err := Encode(o.Scope, o.Cadence)
	if err != nil {
		return NotSet
	}
	return code
}

// Digest reports whether the option batches notifications into the daily digest.
func (o Option) Digest() bool {
	return o.Cadence == CadenceDailyDigest
}

func (o Option) String() string {
	var what string
	switch o.Scope {
	case ScopeNone:
		return "No email"
	case ScopeAll:
		what = "All conversations"
	case ScopeMine:
		what = "My conversations"
	default:
		return o.Scope.String()
	}
	if o.Digest() {
		return what + ", daily digest"
	}
	return what
}
