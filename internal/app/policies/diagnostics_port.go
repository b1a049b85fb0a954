package policies

// Diagnostic describes a recovered problem: a dropped row, a failed poll, an
// evicted pending message.
type Diagnostic struct {
	Source   string
	Reason   string
	EntityID string
	Err      error
}

// Diagnostics receives problems that were handled locally instead of being
// returned to a caller.
type Diagnostics interface {
	Report(d Diagnostic)
}

// DiagnosticsFunc adapts a function to Diagnostics.
type DiagnosticsFunc func(d Diagnostic)

func (f DiagnosticsFunc) Report(d Diagnostic) {
	if f != nil {
		f(d)
	}
}

// Discard drops every report.
var Discard Diagnostics = DiagnosticsFunc(nil)
