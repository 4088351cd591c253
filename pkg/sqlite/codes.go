package sqlite

import (
	stderrors "errors"
	"fmt"
)

// ResultCode is a primary or extended engine result code. Non-OK codes are
// returned from callback methods as error values.
type ResultCode int32

// Primary result codes.
const (
	OK         ResultCode = 0
	Error      ResultCode = 1
	Internal   ResultCode = 2
	Perm       ResultCode = 3
	Abort      ResultCode = 4
	Busy       ResultCode = 5
	Locked     ResultCode = 6
	NoMem      ResultCode = 7
	ReadOnly   ResultCode = 8
	Interrupt  ResultCode = 9
	IOErr      ResultCode = 10
	Corrupt    ResultCode = 11
	NotFound   ResultCode = 12
	Full       ResultCode = 13
	CantOpen   ResultCode = 14
	Protocol   ResultCode = 15
	Empty      ResultCode = 16
	Schema     ResultCode = 17
	TooBig     ResultCode = 18
	Constraint ResultCode = 19
	Mismatch   ResultCode = 20
	Misuse     ResultCode = 21
)

// Extended result codes used by VFS implementations.
const (
	IOErrRead              = IOErr | (1 << 8)
	IOErrShortRead         = IOErr | (2 << 8)
	IOErrWrite             = IOErr | (3 << 8)
	IOErrFsync             = IOErr | (4 << 8)
	IOErrDirFsync          = IOErr | (5 << 8)
	IOErrTruncate          = IOErr | (6 << 8)
	IOErrFstat             = IOErr | (7 << 8)
	IOErrUnlock            = IOErr | (8 << 8)
	IOErrRdlock            = IOErr | (9 << 8)
	IOErrDelete            = IOErr | (10 << 8)
	IOErrNoMem             = IOErr | (12 << 8)
	IOErrAccess            = IOErr | (13 << 8)
	IOErrCheckReservedLock = IOErr | (14 << 8)
	IOErrLock              = IOErr | (15 << 8)
	IOErrClose             = IOErr | (16 << 8)
	IOErrDeleteNoEnt       = IOErr | (23 << 8)
	CantOpenFullPath       = CantOpen | (3 << 8)
)

var codeNames = map[ResultCode]string{
	OK:                     "SQLITE_OK",
	Error:                  "SQLITE_ERROR",
	Internal:               "SQLITE_INTERNAL",
	Perm:                   "SQLITE_PERM",
	Abort:                  "SQLITE_ABORT",
	Busy:                   "SQLITE_BUSY",
	Locked:                 "SQLITE_LOCKED",
	NoMem:                  "SQLITE_NOMEM",
	ReadOnly:               "SQLITE_READONLY",
	Interrupt:              "SQLITE_INTERRUPT",
	IOErr:                  "SQLITE_IOERR",
	Corrupt:                "SQLITE_CORRUPT",
	NotFound:               "SQLITE_NOTFOUND",
	Full:                   "SQLITE_FULL",
	CantOpen:               "SQLITE_CANTOPEN",
	Protocol:               "SQLITE_PROTOCOL",
	Empty:                  "SQLITE_EMPTY",
	Schema:                 "SQLITE_SCHEMA",
	TooBig:                 "SQLITE_TOOBIG",
	Constraint:             "SQLITE_CONSTRAINT",
	Mismatch:               "SQLITE_MISMATCH",
	Misuse:                 "SQLITE_MISUSE",
	IOErrRead:              "SQLITE_IOERR_READ",
	IOErrShortRead:         "SQLITE_IOERR_SHORT_READ",
	IOErrWrite:             "SQLITE_IOERR_WRITE",
	IOErrFsync:             "SQLITE_IOERR_FSYNC",
	IOErrDirFsync:          "SQLITE_IOERR_DIR_FSYNC",
	IOErrTruncate:          "SQLITE_IOERR_TRUNCATE",
	IOErrFstat:             "SQLITE_IOERR_FSTAT",
	IOErrUnlock:            "SQLITE_IOERR_UNLOCK",
	IOErrRdlock:            "SQLITE_IOERR_RDLOCK",
	IOErrDelete:            "SQLITE_IOERR_DELETE",
	IOErrNoMem:             "SQLITE_IOERR_NOMEM",
	IOErrAccess:            "SQLITE_IOERR_ACCESS",
	IOErrCheckReservedLock: "SQLITE_IOERR_CHECKRESERVEDLOCK",
	IOErrLock:              "SQLITE_IOERR_LOCK",
	IOErrClose:             "SQLITE_IOERR_CLOSE",
	IOErrDeleteNoEnt:       "SQLITE_IOERR_DELETE_NOENT",
	CantOpenFullPath:       "SQLITE_CANTOPEN_FULLPATH",
}

// Error implements the error interface.
func (c ResultCode) Error() string {
	return c.String()
}

// String returns the engine's symbolic name for the code.
func (c ResultCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("SQLITE_UNKNOWN(%d)", int32(c))
}

// Primary strips the extended bits.
func (c ResultCode) Primary() ResultCode {
	return c & 0xff
}

// Code extracts the result code carried by err: nil is OK, a ResultCode anywhere in
// the chain is returned as is, and anything else is IOErr.
func Code(err error) ResultCode {
	if err == nil {
		return OK
	}
	var code ResultCode
	if stderrors.As(err, &code) {
		return code
	}
	return IOErr
}

// OpenFlag is the flag set passed to VFS.Open.
type OpenFlag uint32

const (
	OpenReadOnly      OpenFlag = 0x00000001
	OpenReadWrite     OpenFlag = 0x00000002
	OpenCreate        OpenFlag = 0x00000004
	OpenDeleteOnClose OpenFlag = 0x00000008
	OpenExclusive     OpenFlag = 0x00000010
	OpenAutoProxy     OpenFlag = 0x00000020
	OpenURI           OpenFlag = 0x00000040
	OpenMemory        OpenFlag = 0x00000080
	OpenMainDB        OpenFlag = 0x00000100
	OpenTempDB        OpenFlag = 0x00000200
	OpenTransientDB   OpenFlag = 0x00000400
	OpenMainJournal   OpenFlag = 0x00000800
	OpenTempJournal   OpenFlag = 0x00001000
	OpenSubJournal    OpenFlag = 0x00002000
	OpenSuperJournal  OpenFlag = 0x00004000
	OpenNoMutex       OpenFlag = 0x00008000
	OpenFullMutex     OpenFlag = 0x00010000
	OpenSharedCache   OpenFlag = 0x00020000
	OpenPrivateCache  OpenFlag = 0x00040000
	OpenWAL           OpenFlag = 0x00080000
)

// Has reports whether all bits of other are set.
func (f OpenFlag) Has(other OpenFlag) bool {
	return f&other == other
}

// AccessFlag is the query passed to VFS.Access.
type AccessFlag uint32

const (
	AccessExists    AccessFlag = 0
	AccessReadWrite AccessFlag = 1
	AccessRead      AccessFlag = 2
)

// SyncFlag is passed to File.Sync.
type SyncFlag uint32

const (
	SyncNormal   SyncFlag = 0x00002
	SyncFull     SyncFlag = 0x00003
	SyncDataOnly SyncFlag = 0x00010
)

// LockLevel is the engine's advisory lock vocabulary.
type LockLevel uint32

const (
	LockNone      LockLevel = 0
	LockShared    LockLevel = 1
	LockReserved  LockLevel = 2
	LockPending   LockLevel = 3
	LockExclusive LockLevel = 4
)

// String returns the engine's symbolic name for the level.
func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "NONE"
	case LockShared:
		return "SHARED"
	case LockReserved:
		return "RESERVED"
	case LockPending:
		return "PENDING"
	case LockExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("LOCK(%d)", uint32(l))
	}
}

// DeviceCharacteristic is the bit set returned by File.DeviceCharacteristics.
type DeviceCharacteristic uint32

const (
	IOCapAtomic              DeviceCharacteristic = 0x00000001
	IOCapSafeAppend          DeviceCharacteristic = 0x00000200
	IOCapSequential          DeviceCharacteristic = 0x00000400
	IOCapUndeletableWhenOpen DeviceCharacteristic = 0x00000800
	IOCapPowersafeOverwrite  DeviceCharacteristic = 0x00001000
	IOCapImmutable           DeviceCharacteristic = 0x00002000
	IOCapBatchAtomic         DeviceCharacteristic = 0x00004000
)

// FileControlOp is an opcode passed to File.FileControl.
type FileControlOp uint32

const (
	FcntlLockState     FileControlOp = 1
	FcntlSizeHint      FileControlOp = 5
	FcntlChunkSize     FileControlOp = 6
	FcntlSyncOmitted   FileControlOp = 8
	FcntlVFSName       FileControlOp = 12
	FcntlPragma        FileControlOp = 14
	FcntlBusyHandler   FileControlOp = 15
	FcntlHasMoved      FileControlOp = 20
	FcntlSync          FileControlOp = 21
	FcntlCommitPhase2  FileControlOp = 22
	FcntlCkptDone      FileControlOp = 37
	FcntlReservedBytes FileControlOp = 38
)

// MaxPathname is the longest full path name a VFS in this module accepts.
const MaxPathname = 512

// DefaultSectorSize is the sector size reported to the engine.
const DefaultSectorSize = 4096
