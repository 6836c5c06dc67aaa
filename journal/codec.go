package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"stormkv/protocol"
)

// Encoder serializes journal records into the replication wire form. It
// tracks the selected database and interleaves SELECT records whenever
// the stream switches databases, so the decoder needs no per-record
// database field.
type Encoder struct {
	buf   *bytes.Buffer
	curDb int
}

func NewEncoder(buf *bytes.Buffer) *Encoder {
	return &Encoder{buf: buf, curDb: -1}
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putBlob(buf *bytes.Buffer, b []byte) {
	putUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

// WriteEntry appends the wire form of e, preceded by a SELECT record if
// the entry belongs to a different database than the previous one.
func (enc *Encoder) WriteEntry(e Entry) {
	if e.HasPayload() && e.DbIndex != enc.curDb {
		enc.buf.WriteByte(protocol.OpJournalSelect)
		putUvarint(enc.buf, uint64(e.DbIndex))
		enc.curDb = e.DbIndex
	}
	enc.buf.WriteByte(e.Op)
	switch e.Op {
	case protocol.OpJournalNoop:
	case protocol.OpJournalLSN:
		putUvarint(enc.buf, e.LSN)
	case protocol.OpJournalCommand:
		putUvarint(enc.buf, e.LSN)
		putUvarint(enc.buf, e.TxID)
		putUvarint(enc.buf, uint64(e.ShardCnt))
		putUvarint(enc.buf, uint64(e.Slot+1))
		putUvarint(enc.buf, uint64(len(e.Args)+1))
		putBlob(enc.buf, []byte(e.Cmd))
		for _, a := range e.Args {
			putBlob(enc.buf, a)
		}
	}
}

// Decoder reconstructs journal records from the replication wire form,
// applying SELECT records to subsequent entries.
type Decoder struct {
	r     *bufio.Reader
	curDb int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), curDb: 0}
}

func (dec *Decoder) readBlob() ([]byte, error) {
	n, err := binary.ReadUvarint(dec.r)
	if err != nil {
		return nil, err
	}
	if n > protocol.MaxCommandSize {
		return nil, protocol.ErrCommandTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(dec.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadEntry returns the next record. SELECT records are consumed
// internally and surface as the DbIndex of the records that follow.
func (dec *Decoder) ReadEntry() (Entry, error) {
	for {
		op, err := dec.r.ReadByte()
		if err != nil {
			return Entry{}, err
		}
		switch op {
		case protocol.OpJournalSelect:
			db, err := binary.ReadUvarint(dec.r)
			if err != nil {
				return Entry{}, err
			}
			dec.curDb = int(db)
		case protocol.OpJournalNoop:
			return Entry{Op: op, DbIndex: dec.curDb}, nil
		case protocol.OpJournalLSN:
			lsn, err := binary.ReadUvarint(dec.r)
			if err != nil {
				return Entry{}, err
			}
			return Entry{Op: op, LSN: lsn, DbIndex: dec.curDb}, nil
		case protocol.OpJournalCommand:
			return dec.readCommand()
		default:
			return Entry{}, fmt.Errorf("unknown journal opcode %d", op)
		}
	}
}

func (dec *Decoder) readCommand() (Entry, error) {
	e := Entry{Op: protocol.OpJournalCommand, DbIndex: dec.curDb}
	lsn, err := binary.ReadUvarint(dec.r)
	if err != nil {
		return Entry{}, err
	}
	txid, err := binary.ReadUvarint(dec.r)
	if err != nil {
		return Entry{}, err
	}
	shardCnt, err := binary.ReadUvarint(dec.r)
	if err != nil {
		return Entry{}, err
	}
	slot, err := binary.ReadUvarint(dec.r)
	if err != nil {
		return Entry{}, err
	}
	nparts, err := binary.ReadUvarint(dec.r)
	if err != nil {
		return Entry{}, err
	}
	if nparts == 0 {
		return Entry{}, io.ErrUnexpectedEOF
	}
	cmd, err := dec.readBlob()
	if err != nil {
		return Entry{}, err
	}
	args := make([][]byte, 0, nparts-1)
	for i := uint64(1); i < nparts; i++ {
		a, err := dec.readBlob()
		if err != nil {
			return Entry{}, err
		}
		args = append(args, a)
	}
	e.LSN = lsn
	e.TxID = txid
	e.ShardCnt = uint32(shardCnt)
	e.Slot = int32(slot) - 1
	e.Cmd = string(cmd)
	e.Args = args
	return e, nil
}
