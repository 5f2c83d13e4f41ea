package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrIO                   = errors.New("i/o error")
	ErrPageChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrOutOfSpace           = errors.New("data file reached its page limit")
	ErrInvalidPageID        = errors.New("invalid page id")
	ErrInvalidPageData      = errors.New("invalid page data")
	ErrBadFileHeader        = errors.New("invalid database file header")
	ErrPageSizeMismatch     = errors.New("database file page size does not match configuration")
	ErrFileClosed           = errors.New("database file is closed")
	// ErrInjectedFault is returned by MemFile when a fault hook is armed.
	ErrInjectedFault = errors.New("injected fault")
)
