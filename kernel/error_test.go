package kernel

import "testing"

func TestErrorImplementsError(t *testing.T) {
	err := &Error{Module: "test", Message: "something went wrong"}

	if got := err.Error(); got != "something went wrong" {
		t.Errorf("expected %q; got %q", "something went wrong", got)
	}

	var asErr error = err
	if asErr.Error() != err.Message {
		t.Error("expected *Error to satisfy the error interface via its Message")
	}
}
