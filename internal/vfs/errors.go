package vfs

import (
	"fmt"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
	"github.com/objectfs/sqlitevfs/pkg/sqlite"
)

// Operation names, used for translation, metrics and logging.
const (
	opOpen          = "open"
	opClose         = "close"
	opRead          = "read"
	opWrite         = "write"
	opTruncate      = "truncate"
	opSync          = "sync"
	opSize          = "size"
	opLock          = "lock"
	opUnlock        = "unlock"
	opCheckReserved = "check_reserved_lock"
	opFileControl   = "file_control"
	opDelete        = "delete"
	opAccess        = "access"
	opFullPathname  = "full_pathname"
)

// Error is a failed dispatch call. It unwraps to both the result code handed to the
// engine and the backend error that caused it.
type Error struct {
	Code sqlite.ResultCode
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Code, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

// translation maps error kinds to result codes for one operation.
type translation struct {
	fallback sqlite.ResultCode
	kinds    map[vfserrors.Kind]sqlite.ResultCode
}

var translations = map[string]translation{
	opOpen: {sqlite.CantOpen, map[vfserrors.Kind]sqlite.ResultCode{
		vfserrors.KindBusy: sqlite.Busy,
	}},
	opClose: {sqlite.IOErrClose, nil},
	opRead:  {sqlite.IOErrRead, nil},
	opWrite: {sqlite.IOErrWrite, map[vfserrors.Kind]sqlite.ResultCode{
		vfserrors.KindBusy:              sqlite.Busy,
		vfserrors.KindResourceExhausted: sqlite.Full,
		vfserrors.KindUnsupported:       sqlite.ReadOnly,
	}},
	opTruncate: {sqlite.IOErrTruncate, map[vfserrors.Kind]sqlite.ResultCode{
		vfserrors.KindBusy:              sqlite.Busy,
		vfserrors.KindResourceExhausted: sqlite.Full,
		vfserrors.KindUnsupported:       sqlite.ReadOnly,
	}},
	opSync: {sqlite.IOErrFsync, nil},
	opSize: {sqlite.IOErrFstat, nil},
	// Illegal transitions are reported as Busy so the engine backs off instead of
	// failing the statement.
	opLock: {sqlite.IOErrLock, map[vfserrors.Kind]sqlite.ResultCode{
		vfserrors.KindBusy:        sqlite.Busy,
		vfserrors.KindUnsupported: sqlite.Busy,
	}},
	opUnlock:        {sqlite.IOErrUnlock, nil},
	opCheckReserved: {sqlite.IOErrCheckReservedLock, nil},
	opFileControl: {sqlite.Error, map[vfserrors.Kind]sqlite.ResultCode{
		vfserrors.KindUnsupported: sqlite.NotFound,
	}},
	opDelete: {sqlite.IOErrDelete, map[vfserrors.Kind]sqlite.ResultCode{
		vfserrors.KindNotFound: sqlite.IOErrDeleteNoEnt,
	}},
	opAccess: {sqlite.IOErrAccess, nil},
	opFullPathname: {sqlite.CantOpen, map[vfserrors.Kind]sqlite.ResultCode{
		vfserrors.KindResourceExhausted: sqlite.CantOpenFullPath,
	}},
}

// translate returns the result code op reports for err. A call on a closed VFS or
// file is always Misuse.
func translate(op string, err error) sqlite.ResultCode {
	kind := vfserrors.KindOf(err)
	if kind == vfserrors.KindInvalidState {
		return sqlite.Misuse
	}
	t, ok := translations[op]
	if !ok {
		return sqlite.Error
	}
	if code, ok := t.kinds[kind]; ok {
		return code
	}
	return t.fallback
}

func fail(op, path string, err error) error {
	return &Error{Code: translate(op, err), Op: op, Path: path, Err: err}
}
