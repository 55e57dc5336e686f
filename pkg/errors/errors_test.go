package errors

import "testing"

func TestErrors_ErrorMethod(t *testing.T) {
	errs := []error{
		&InvalidInputError{Reason: "bad table name"},
		&TableNotFoundError{Name: "t1"},
		&TableAlreadyExistsError{Name: "t1"},
		&ConflictError{Reason: "transaction already active"},
		&CorruptError{Path: "t1.ldb", Reason: "hash mismatch"},
		&TimeoutError{Op: "write", Timeout: "10s"},
		&IOError{Op: "rename", Path: "t1.ldb", Err: nil},
		&DataIncompleteError{TableName: "t1", Expected: 10, Actual: 9},
		&IndexNotFoundError{Name: "i1"},
	}

	for _, e := range errs {
		if e.Error() == "" {
			t.Errorf("Error() returned empty string for %T", e)
		}
	}
}

func TestIOError_Unwrap(t *testing.T) {
	inner := &TableNotFoundError{Name: "inner"}
	wrapped := &IOError{Op: "read", Path: "p", Err: inner}

	if wrapped.Unwrap() != inner {
		t.Errorf("Unwrap() did not return the wrapped error")
	}
}
