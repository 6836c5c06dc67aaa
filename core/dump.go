package core

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"
	"sort"

	"stormkv/protocol"
)

// DumpValue serializes a resident value into the binary form carried by
// RESTORE emissions. The payload is a tag byte followed by the
// tag-specific body, closed by a CRC32 footer.
func DumpValue(v *PrimeValue) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(v.tag))
	switch v.tag {
	case TagString:
		writeBlob(&buf, v.str)
	case TagList:
		binary.Write(&buf, binary.BigEndian, uint32(len(v.list)))
		for _, e := range v.list {
			writeBlob(&buf, e)
		}
	case TagSet:
		binary.Write(&buf, binary.BigEndian, uint32(len(v.set)))
		members := make([]string, 0, len(v.set))
		for m := range v.set {
			members = append(members, m)
		}
		sort.Strings(members)
		for _, m := range members {
			writeBlob(&buf, []byte(m))
		}
	case TagZSet:
		binary.Write(&buf, binary.BigEndian, uint32(len(v.zset)))
		for _, e := range v.zset {
			binary.Write(&buf, binary.BigEndian, math.Float64bits(e.Score))
			writeBlob(&buf, []byte(e.Member))
		}
	case TagHash:
		binary.Write(&buf, binary.BigEndian, uint32(len(v.hash)))
		fields := make([]string, 0, len(v.hash))
		for f := range v.hash {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			writeBlob(&buf, []byte(f))
			writeBlob(&buf, []byte(v.hash[f]))
		}
	}
	payload := buf.Bytes()
	footer := make([]byte, 4)
	binary.BigEndian.PutUint32(footer, crc32.Checksum(payload, protocol.Crc32Table))
	return append(payload, footer...)
}

// LoadValue parses a dump produced by DumpValue, verifying the CRC footer.
func LoadValue(dump []byte) (*PrimeValue, error) {
	if len(dump) < 5 {
		return nil, io.ErrUnexpectedEOF
	}
	payload, footer := dump[:len(dump)-4], dump[len(dump)-4:]
	if crc32.Checksum(payload, protocol.Crc32Table) != binary.BigEndian.Uint32(footer) {
		return nil, protocol.ErrCrcMismatch
	}
	r := bytes.NewReader(payload[1:])
	switch Tag(payload[0]) {
	case TagString:
		b, err := readBlob(r)
		if err != nil {
			return nil, err
		}
		return NewString(b), nil
	case TagList:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		elems := make([][]byte, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := readBlob(r)
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
		}
		return NewList(elems), nil
	case TagSet:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		members := make([]string, 0, n)
		for i := uint32(0); i < n; i++ {
			m, err := readBlob(r)
			if err != nil {
				return nil, err
			}
			members = append(members, string(m))
		}
		return NewSet(members), nil
	case TagZSet:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		entries := make([]ZEntry, 0, n)
		for i := uint32(0); i < n; i++ {
			var scoreBits uint64
			if err := binary.Read(r, binary.BigEndian, &scoreBits); err != nil {
				return nil, err
			}
			m, err := readBlob(r)
			if err != nil {
				return nil, err
			}
			entries = append(entries, ZEntry{Score: math.Float64frombits(scoreBits), Member: string(m)})
		}
		return NewZSet(entries), nil
	case TagHash:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		fields := make(map[string]string, n)
		for i := uint32(0); i < n; i++ {
			f, err := readBlob(r)
			if err != nil {
				return nil, err
			}
			val, err := readBlob(r)
			if err != nil {
				return nil, err
			}
			fields[string(f)] = string(val)
		}
		return NewHash(fields), nil
	}
	return nil, protocol.ErrWrongType
}

func writeBlob(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

func readCount(r *bytes.Reader) (uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
