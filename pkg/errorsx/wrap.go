package errorsx

import "errors"

// CallError tags an error with a reason code and the call it happened on.
// CallID is empty for failures outside any one call.
type CallError struct {
	Err    error
	Reason ReasonCode
	CallID string
}

func (e CallError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e CallError) Unwrap() error { return e.Err }

// Wrap attaches a reason code. The first reason in a chain wins, so a
// repository failure stays a repository failure however far it travels.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var ce CallError
	if errors.As(err, &ce) {
		return err
	}
	return CallError{Err: err, Reason: reason}
}

// ForCall records which call err belongs to. An existing call id is kept.
func ForCall(err error, callID string) error {
	if err == nil || callID == "" {
		return err
	}
	var ce CallError
	if !errors.As(err, &ce) {
		return CallError{Err: err, Reason: ReasonUnknown, CallID: callID}
	}
	if ce.CallID != "" {
		return err
	}
	return CallError{Err: err, Reason: ce.Reason, CallID: callID}
}

// Reason returns the first reason code in err's chain.
func Reason(err error) ReasonCode {
	var ce CallError
	if err != nil && errors.As(err, &ce) {
		return ce.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// CallID returns the call err was tagged with, if any.
func CallID(err error) string {
	var ce CallError
	for err != nil && errors.As(err, &ce) {
		if ce.CallID != "" {
			return ce.CallID
		}
		err = ce.Err
	}
	return ""
}

// LogAttrs renders err as the error, reason_code and call_id log fields.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	attrs := []any{"error", err.Error(), "reason_code", string(Reason(err))}
	if id := CallID(err); id != "" {
		attrs = append(attrs, "call_id", id)
	}
	return attrs
}
