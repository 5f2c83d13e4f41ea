package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Write-Ahead Logging (WAL) Constants and Types ---

type LSN = pagemanager.LSN

const InvalidLSN = pagemanager.InvalidLSN

// RecordType defines the type of operation logged.
type RecordType uint8

const (
	RecordUpdate     RecordType = iota + 1 // page images plus an optional logical undo
	RecordCommit                           // transaction committed
	RecordAbort                            // rollback of a transaction finished
	RecordCheckpoint                       // fuzzy checkpoint snapshot
	RecordCLR                              // compensation: redo-only record written by undo
)

func (t RecordType) String() string {
	switch t {
	case RecordUpdate:
		return "UPDATE"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordCheckpoint:
		return "CHECKPOINT"
	case RecordCLR:
		return "CLR"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

func (t RecordType) valid() bool { return t >= RecordUpdate && t <= RecordCLR }

// bypassesLimit reports whether records of this type may exceed wal_max_size.
// They let in-flight work finish and let checkpoints reclaim space.
func (t RecordType) bypassesLimit() bool { return t != RecordUpdate }

// LogRecord represents a single entry in the Write-Ahead Log.
type LogRecord struct {
	LSN         LSN
	PrevLSN     LSN    // previous record of the same transaction
	TxnID       uint64 // 0 for system records, which are never undone
	Type        RecordType
	UndoNextLSN LSN // CLR only: next record of the transaction to undo
	Payload     []byte
}

// Frame layout: len u32 | crc32c(body) u32 | body.
// Body layout: lsn u64 | prev u64 | txn u64 | type u8 | undo_next u64 | payload.
const (
	frameHeaderSize = 8
	bodyHeaderSize  = 8 + 8 + 8 + 1 + 8
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Size is the number of log bytes (and LSN space) the record occupies.
func (lr *LogRecord) Size() int {
	return frameHeaderSize + bodyHeaderSize + len(lr.Payload)
}

func (lr *LogRecord) appendFrame(dst []byte) []byte {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(bodyHeaderSize+len(lr.Payload)))
	dst = binary.LittleEndian.AppendUint32(dst, 0)
	body := len(dst)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(lr.LSN))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(lr.PrevLSN))
	dst = binary.LittleEndian.AppendUint64(dst, lr.TxnID)
	dst = append(dst, byte(lr.Type))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(lr.UndoNextLSN))
	dst = append(dst, lr.Payload...)
	binary.LittleEndian.PutUint32(dst[start+4:], crc32.Checksum(dst[body:], crcTable))
	return dst
}

// decodeFrame parses one frame at the start of buf. It returns the record
// and the frame length.
func decodeFrame(buf []byte) (*LogRecord, int, error) {
	if len(buf) < frameHeaderSize {
		return nil, 0, fmt.Errorf("%w: short frame header", ErrWALCorrupt)
	}
	n := int(binary.LittleEndian.Uint32(buf))
	if n < bodyHeaderSize || frameHeaderSize+n > len(buf) {
		return nil, 0, fmt.Errorf("%w: bad frame length %d", ErrWALCorrupt, n)
	}
	body := buf[frameHeaderSize : frameHeaderSize+n]
	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(buf[4:]) {
		return nil, 0, fmt.Errorf("%w: crc mismatch", ErrWALCorrupt)
	}
	rec := &LogRecord{
		LSN:         LSN(binary.LittleEndian.Uint64(body[0:])),
		PrevLSN:     LSN(binary.LittleEndian.Uint64(body[8:])),
		TxnID:       binary.LittleEndian.Uint64(body[16:]),
		Type:        RecordType(body[24]),
		UndoNextLSN: LSN(binary.LittleEndian.Uint64(body[25:])),
		Payload:     append([]byte(nil), body[bodyHeaderSize:]...),
	}
	if !rec.Type.valid() {
		return nil, 0, fmt.Errorf("%w: unknown record type %d", ErrWALCorrupt, body[24])
	}
	return rec, frameHeaderSize + n, nil
}

// --- Update payloads ---

// PageImage is the redo information for one page: a diff against the page
// as of the previous record, or a full image.
type PageImage struct {
	PageID pagemanager.PageID
	Full   bool
	Data   []byte
}

// UpdatePayload is carried by UPDATE and CLR records. Every page touched by
// one logical operation (a split included) travels in a single payload.
type UpdatePayload struct {
	UndoOp uint8 // 0 when the record cannot be undone
	Undo   []byte
	Pages  []PageImage
}

var errShortPayload = errors.New("short update payload")

func (u *UpdatePayload) Encode() []byte {
	size := 1 + 4 + len(u.Undo) + 2
	for _, p := range u.Pages {
		size += 8 + 1 + 4 + len(p.Data)
	}
	out := make([]byte, 0, size)
	out = append(out, u.UndoOp)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(u.Undo)))
	out = append(out, u.Undo...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(u.Pages)))
	for _, p := range u.Pages {
		out = binary.LittleEndian.AppendUint64(out, uint64(p.PageID))
		if p.Full {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(p.Data)))
		out = append(out, p.Data...)
	}
	return out
}

func DecodeUpdatePayload(b []byte) (*UpdatePayload, error) {
	if len(b) < 5 {
		return nil, errShortPayload
	}
	u := &UpdatePayload{UndoOp: b[0]}
	n := int(binary.LittleEndian.Uint32(b[1:]))
	pos := 5
	if pos+n+2 > len(b) {
		return nil, errShortPayload
	}
	u.Undo = b[pos : pos+n]
	pos += n
	count := int(binary.LittleEndian.Uint16(b[pos:]))
	pos += 2
	u.Pages = make([]PageImage, 0, count)
	for i := 0; i < count; i++ {
		if pos+13 > len(b) {
			return nil, errShortPayload
		}
		img := PageImage{
			PageID: pagemanager.PageID(binary.LittleEndian.Uint64(b[pos:])),
			Full:   b[pos+8] == 1,
		}
		size := int(binary.LittleEndian.Uint32(b[pos+9:]))
		pos += 13
		if pos+size > len(b) {
			return nil, errShortPayload
		}
		img.Data = b[pos : pos+size]
		pos += size
		u.Pages = append(u.Pages, img)
	}
	return u, nil
}

// --- Per-transaction log chain ---

// TxnLogState is a consistent copy of a TxnLog.
type TxnLogState struct {
	TxnID    uint64
	FirstLSN LSN
	LastLSN  LSN
	// UndoNext is the next record rollback has to undo.
	UndoNext LSN
	Records  int
}

// TxnLog tracks the backward chain of one transaction's records. Appends
// through the LogManager keep it current; while compensating, UPDATE
// records are written as CLRs.
type TxnLog struct {
	mu           sync.Mutex
	state        TxnLogState
	compensating bool
}

func NewTxnLog(txnID uint64) *TxnLog {
	return &TxnLog{state: TxnLogState{TxnID: txnID}}
}

// RestoreTxnLog rebuilds the chain of a transaction found during analysis.
func RestoreTxnLog(s TxnLogState) *TxnLog {
	return &TxnLog{state: s}
}

func (t *TxnLog) ID() uint64 { return t.state.TxnID }

func (t *TxnLog) State() TxnLogState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// BeginCompensation switches the chain into rollback mode. Subsequent UPDATE
// appends become CLRs pointing at undoNext.
func (t *TxnLog) BeginCompensation(undoNext LSN) {
	t.mu.Lock()
	t.compensating = true
	t.state.UndoNext = undoNext
	t.mu.Unlock()
}

// SetUndoNext moves the rollback cursor without logging, used when a
// record needs no undo.
func (t *TxnLog) SetUndoNext(lsn LSN) {
	t.mu.Lock()
	t.state.UndoNext = lsn
	t.mu.Unlock()
}

func (t *TxnLog) Compensating() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compensating
}
