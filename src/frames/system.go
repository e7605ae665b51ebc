package frames

// SystemFrame is the base for session lifecycle frames
type SystemFrame struct {
	*BaseFrame
}

func (f *SystemFrame) Category() FrameCategory {
	return SystemCategory
}

// CallStartFrame signals that the dialogue session's call is live
type CallStartFrame struct {
	*SystemFrame
	SessionID string
}

func NewCallStartFrame(sessionID string) *CallStartFrame {
	return &CallStartFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("CallStartFrame"),
		},
		SessionID: sessionID,
	}
}

// CallEndFrame signals that the remote side ended the call
type CallEndFrame struct {
	*SystemFrame
	Reason string
}

func NewCallEndFrame(reason string) *CallEndFrame {
	return &CallEndFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("CallEndFrame"),
		},
		Reason: reason,
	}
}

// ErrorFrame carries a transport or session failure, or a user-facing
// error message on its way to the presentation layer
type ErrorFrame struct {
	*SystemFrame
	Error error
	Fatal bool
}

func NewErrorFrame(err error) *ErrorFrame {
	return &ErrorFrame{
		SystemFrame: &SystemFrame{
			BaseFrame: NewBaseFrame("ErrorFrame"),
		},
		Error: err,
	}
}

// NewFatalErrorFrame creates an ErrorFrame for a failure that ends the call
func NewFatalErrorFrame(err error) *ErrorFrame {
	f := NewErrorFrame(err)
	f.Fatal = true
	return f
}
