package negentropy

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"

	"github.com/tidemark-net/tidemark/types"
)

// ProtocolVersion tags every message; a peer speaking a different version is
// a desync, not something to limp along with.
const ProtocolVersion byte = 0x61

// Range modes on the wire.
const (
	modeSkip        = 0
	modeFingerprint = 1
	modeIdList      = 2
)

// ErrProtocol marks a structurally invalid message from the peer. The
// session must be aborted; no partial diff is surfaced.
var ErrProtocol = errors.New("negentropy: protocol error")

// msgWriter builds an outgoing message, encoding bound timestamps as deltas
// and coalescing consecutive Skip ranges into the last one (a trailing Skip
// is dropped entirely: an unprocessed tail means agreement).
type msgWriter struct {
	buf         bytes.Buffer
	prevTs      int64
	pendingSkip *Bound
	nonSkip     int
}

func newMsgWriter() *msgWriter {
	w := &msgWriter{}
	w.buf.WriteByte(ProtocolVersion)
	return w
}

func (w *msgWriter) putUvarint(v uint64) {
	w.buf.Write(varint.ToUvarint(v))
}

func (w *msgWriter) putBound(b Bound) {
	if b.isInfinity() {
		w.putUvarint(0)
	} else {
		w.putUvarint(uint64(b.Timestamp-w.prevTs) + 1)
		w.prevTs = b.Timestamp
	}
	w.putUvarint(uint64(len(b.IDPrefix)))
	w.buf.Write(b.IDPrefix)
}

func (w *msgWriter) markSkip(b Bound) {
	w.pendingSkip = &b
}

func (w *msgWriter) flushSkip() {
	if w.pendingSkip == nil {
		return
	}
	w.putBound(*w.pendingSkip)
	w.putUvarint(modeSkip)
	w.pendingSkip = nil
}

func (w *msgWriter) addFingerprint(b Bound, fp Fingerprint) {
	w.flushSkip()
	w.putBound(b)
	w.putUvarint(modeFingerprint)
	w.buf.Write(fp[:])
	w.nonSkip++
}

func (w *msgWriter) addIdList(b Bound, items []Item) {
	w.flushSkip()
	w.putBound(b)
	w.putUvarint(modeIdList)
	w.putUvarint(uint64(len(items)))
	for i := range items {
		w.buf.Write(items[i].ID[:])
	}
	w.nonSkip++
}

// finish returns the encoded message. A trailing Skip is dropped rather
// than flushed: an unprocessed tail means agreement. A message carrying no
// ranges at all is just the version byte.
func (w *msgWriter) finish() []byte {
	return w.buf.Bytes()
}

// wireRange is one decoded range of an incoming message.
type wireRange struct {
	bound       Bound
	mode        uint64
	fingerprint Fingerprint
	ids         []types.ID
}

type msgReader struct {
	r      *bytes.Reader
	prevTs int64
	sawInf bool
}

func newMsgReader(data []byte) (*msgReader, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrProtocol)
	}
	if data[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version 0x%02x", ErrProtocol, data[0])
	}
	return &msgReader{r: bytes.NewReader(data[1:])}, nil
}

func (r *msgReader) empty() bool {
	return r.r.Len() == 0
}

func (r *msgReader) uvarint() (uint64, error) {
	v, err := varint.ReadUvarint(r.r)
	if err != nil {
		return 0, fmt.Errorf("%w: truncated varint", ErrProtocol)
	}
	return v, nil
}

func (r *msgReader) next() (wireRange, error) {
	var wr wireRange
	if r.sawInf {
		return wr, fmt.Errorf("%w: range after infinity bound", ErrProtocol)
	}
	tsField, err := r.uvarint()
	if err != nil {
		return wr, err
	}
	if tsField == 0 {
		wr.bound.Timestamp = infinityTimestamp
		r.sawInf = true
	} else {
		wr.bound.Timestamp = r.prevTs + int64(tsField) - 1
		if wr.bound.Timestamp < r.prevTs {
			return wr, fmt.Errorf("%w: timestamp overflow", ErrProtocol)
		}
		r.prevTs = wr.bound.Timestamp
	}
	prefixLen, err := r.uvarint()
	if err != nil {
		return wr, err
	}
	if prefixLen > types.IDSize {
		return wr, fmt.Errorf("%w: id prefix length %d", ErrProtocol, prefixLen)
	}
	if prefixLen > 0 {
		wr.bound.IDPrefix = make([]byte, prefixLen)
		if _, err := readFull(r.r, wr.bound.IDPrefix); err != nil {
			return wr, fmt.Errorf("%w: truncated id prefix", ErrProtocol)
		}
	}
	wr.mode, err = r.uvarint()
	if err != nil {
		return wr, err
	}
	switch wr.mode {
	case modeSkip:
	case modeFingerprint:
		if _, err := readFull(r.r, wr.fingerprint[:]); err != nil {
			return wr, fmt.Errorf("%w: truncated fingerprint", ErrProtocol)
		}
	case modeIdList:
		count, err := r.uvarint()
		if err != nil {
			return wr, err
		}
		if count > uint64(r.r.Len())/types.IDSize {
			return wr, fmt.Errorf("%w: id list count %d exceeds message size", ErrProtocol, count)
		}
		wr.ids = make([]types.ID, count)
		for i := range wr.ids {
			if _, err := readFull(r.r, wr.ids[i][:]); err != nil {
				return wr, fmt.Errorf("%w: truncated id list", ErrProtocol)
			}
		}
	default:
		return wr, fmt.Errorf("%w: unknown range mode %d", ErrProtocol, wr.mode)
	}
	return wr, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil || n != len(buf) {
		return n, errors.New("short read")
	}
	return n, nil
}
