package revdb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports an unknown document ID or view name.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument reports a request rejected before any mutation:
	// bad pagination bounds, unknown selector, malformed action or ID.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict reports an integrity failure, like an association update that
	// references a document that does not exist, or a document that was
	// created or removed by a concurrent batch.
	ErrConflict = errors.New("conflict")

	// ErrStorage reports a failure of the durable store. The batch that hit it
	// is treated as cancelled.
	ErrStorage = errors.New("storage failure")

	// ErrBatchClosed is returned when a batch is used after Commit or Cancel.
	ErrBatchClosed = errors.New("batch already closed")

	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("db closed")
)

// DocumentError describes a failure relating to a particular document type,
// document or view.
type DocumentError struct {
	Type string
	ID   string
	View string
	Msg  string
	Err  error
}

func docErrf(docType, id string, err error, format string, args ...any) error {
	return &DocumentError{Type: docType, ID: id, Msg: fmt.Sprintf(format, args...), Err: err}
}

func viewErrf(view string, err error, format string, args ...any) error {
	return &DocumentError{View: view, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

func (e *DocumentError) Error() string {
	var buf strings.Builder
	if e.View != "" {
		buf.WriteString(e.View)
	}
	if e.Type != "" {
		if buf.Len() > 0 {
			buf.WriteByte(':')
		}
		buf.WriteString(e.Type)
	}
	if e.ID != "" {
		buf.WriteByte('/')
		buf.WriteString(e.ID)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// DataError reports a stored record that cannot be decoded.
type DataError struct {
	Data []byte
	Err  error
	Msg  string
}

func dataErrf(data []byte, err error, format string, args ...any) error {
	return &DataError{data, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// storageError wraps a backend error so that it matches both ErrStorage and
// the original error.
type storageError struct {
	err error
}

func (e *storageError) Error() string {
	return "revdb: storage: " + e.err.Error()
}

func (e *storageError) Unwrap() []error {
	return []error{ErrStorage, e.err}
}

func asStorageError(err error) error {
	if err == nil {
		return nil
	}
	var se *storageError
	if errors.As(err, &se) {
		return err
	}
	return &storageError{err}
}
