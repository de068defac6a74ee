package dbrew

// CaptureState tracks whether a value is known while rewriting.
type CaptureState int

const (
	// Dead marks a value that was never written.
	Dead CaptureState = iota

	// Dynamic marks a value only known when the generated code runs.
	Dynamic

	// Static marks a value known at rewrite time.
	Static

	// StackRelative marks a value that is a known offset from the stack top.
	StackRelative

	// Static2 marks a value declared static by the caller. Memory loaded
	// through a Static2 address is itself Static2.
	Static2
)

// String returns a one character representation of the state.
func (s CaptureState) String() string {
	switch s {
	case Dead:
		return "-"
	case Dynamic:
		return "D"
	case Static:
		return "S"
	case StackRelative:
		return "R"
	case Static2:
		return "2"
	}
	return "?"
}

// IsStatic returns true if the value is known at rewrite time.
func IsStatic(s CaptureState) bool {
	return s == Static || s == Static2
}

// Combine returns the capture state of a value computed from two inputs.
// The sameValue flag indicates that both inputs are parts of the same
// value, as is the case for the bytes of a stack slot.
func Combine(s1, s2 CaptureState, sameValue bool) CaptureState {
	if s1 == Dead || s2 == Dead {
		return Dead
	}
	if IsStatic(s1) && IsStatic(s2) {
		if s1 == Static2 || s2 == Static2 {
			return Static2
		}
		return Static
	}
	if sameValue {
		if s1 == StackRelative && s2 == StackRelative {
			return StackRelative
		}
		return Dynamic
	}

	// Adding a known offset to a stack pointer keeps it stack relative.
	if (s1 == StackRelative && IsStatic(s2)) || (IsStatic(s1) && s2 == StackRelative) {
		return StackRelative
	}
	return Dynamic
}

// CombineForFlags returns the state of a flag computed from two inputs.
// Flags never hold stack relative or Static2 values.
func CombineForFlags(s1, s2 CaptureState) CaptureState {
	return flagState(Combine(s1, s2, false))
}

// flagState normalizes a value state for storage in a flag.
func flagState(s CaptureState) CaptureState {
	switch s {
	case StackRelative:
		return Dynamic
	case Static2:
		return Static
	}
	return s
}

// normalizedState folds states that are equivalent for snapshot comparison.
// Dead stays distinct from Dynamic: a partial write keeps a dead register
// static but not a dynamic one.
func normalizedState(s CaptureState) CaptureState {
	if s == Static2 {
		return Static
	}
	return s
}

// liveState returns the state seen by a read. A never written location
// holds whatever the caller left there, which is unknown at rewrite time.
func liveState(s CaptureState) CaptureState {
	if s == Dead {
		return Dynamic
	}
	return s
}
