package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"stormkv/core"
	"stormkv/journal"
	"stormkv/protocol"
)

// connSink frames journal batches onto a shared connection. Every batch
// is prefixed with the OpCodeReplBatch header and the shard index so the
// receiver can demultiplex interleaved shard streams.
type connSink struct {
	mu      *sync.Mutex
	conn    net.Conn
	shardID uint32
}

func newConnSink(mu *sync.Mutex, conn net.Conn, shardID int) *connSink {
	return &connSink{mu: mu, conn: conn, shardID: uint32(shardID)}
}

// AsyncWrite sends one batch. The streamer serializes its own calls, but
// sinks of different shards share the connection, hence the mutex.
func (c *connSink) AsyncWrite(bufs net.Buffers, done func(error)) {
	go func() {
		var total int
		for _, b := range bufs {
			total += len(b)
		}
		header := make([]byte, protocol.ProtoHeaderSize+4)
		header[0] = protocol.OpCodeReplBatch
		binary.BigEndian.PutUint32(header[1:], uint32(4+total))
		binary.BigEndian.PutUint32(header[protocol.ProtoHeaderSize:], c.shardID)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.conn.SetWriteDeadline(time.Now().Add(protocol.DefaultWriteTimeout))
		if _, err := c.conn.Write(header); err != nil {
			done(err)
			return
		}
		_, err := bufs.WriteTo(c.conn)
		done(err)
	}()
}

// HandleReplicaConnection attaches one journal streamer per shard and
// pushes every change to the replica until it disconnects.
func (s *Server) HandleReplicaConnection(ctx context.Context, conn net.Conn, r *bufio.Reader, payload []byte) {
	replicaID := conn.RemoteAddr().String()
	s.logger.Info("Replica subscribed", "replica", replicaID, "shards", s.store.ShardCount())

	// Streaming connections outlive the idle deadline.
	conn.SetReadDeadline(time.Time{})

	cntx := journal.NewContext()
	var writeMu sync.Mutex
	streamers := make([]*journal.Streamer, s.store.ShardCount())
	for i := range streamers {
		streamers[i] = journal.NewStreamer(s.store.ShardAt(i).Journal(), cntx)
		streamers[i].Start(newConnSink(&writeMu, conn, i))
	}
	defer func() {
		for _, st := range streamers {
			st.Cancel()
		}
	}()

	writeMu.Lock()
	s.writeBinaryResponse(conn, protocol.ResStatusOK, nil)
	writeMu.Unlock()

	// A read failure is the only sign the replica went away.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 1)
		for {
			if _, err := r.Read(buf); err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-cntx.Done():
		if err := cntx.Err(); err != nil {
			s.logger.Warn("Dropping slow/failed replica", "replica", replicaID, "err", err)
		}
	case <-readDone:
		s.logger.Info("Replica disconnected", "replica", replicaID)
	}
}

// HandleMigrateConnection drains a slot range of the given db to the
// caller. Payload: [u32 db][u16 slotFrom][u16 slotTo].
func (s *Server) HandleMigrateConnection(ctx context.Context, conn net.Conn, payload []byte, st *connState) {
	if len(payload) != 8 {
		s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte("invalid migrate payload"))
		return
	}
	db := int(binary.BigEndian.Uint32(payload[:4]))
	from := binary.BigEndian.Uint16(payload[4:6])
	to := binary.BigEndian.Uint16(payload[6:8])
	if db < 0 || db >= s.store.DbCount() || from > to || int(to) >= protocol.SlotCount {
		s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte("invalid migrate range"))
		return
	}

	s.logger.Info("Slot migration starting", "db", db, "from", from, "to", to)
	conn.SetReadDeadline(time.Time{})

	slots := core.NewSlotRange(from, to)
	cntx := journal.NewContext()
	var writeMu sync.Mutex
	streamers := s.store.StartSlotMigration(db, slots, cntx, func(shardID int) journal.AsyncSink {
		return newConnSink(&writeMu, conn, shardID)
	})
	defer func() {
		for i, r := range streamers {
			s.store.ShardAt(i).FinishSlotMigration(r)
		}
	}()

	for _, r := range streamers {
		select {
		case <-r.ScanDone():
		case <-cntx.Done():
		case <-ctx.Done():
			cntx.Cancel()
		}
	}

	if err := cntx.Err(); err != nil {
		s.logger.Error("Slot migration failed", "db", db, "err", err)
		writeMu.Lock()
		s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte(err.Error()))
		writeMu.Unlock()
		return
	}

	for _, r := range streamers {
		r.SendFinalize(1)
	}
	s.logger.Info("Slot migration finished", "db", db, "slots", slots.Count())
	writeMu.Lock()
	s.writeBinaryResponse(conn, protocol.ResStatusOK, []byte(strconv.Itoa(slots.Count())))
	writeMu.Unlock()
}
