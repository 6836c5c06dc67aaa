package journal

import (
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"stormkv/core"
	"stormkv/protocol"
)

// RestoreConfig wires a RestoreStreamer to the shard it drains.
type RestoreConfig struct {
	Table   *core.PrimeTable
	DbIndex int
	Slots   *core.SlotSet
	// Fetch resolves a value's string payload regardless of residency.
	Fetch func(*core.PrimeValue) ([]byte, error)
	// Post schedules a closure onto the shard executor. Scan slices are
	// chained through it so the shard stays responsive.
	Post func(func())
}

// RestoreStreamer serializes the keys of a slot set into a journal
// stream, used to hand slots to another node. A snapshot version taken
// at start splits the key space: buckets below it are written by the
// background scan, buckets about to be mutated are flushed eagerly by
// the table change hook, so every key is emitted exactly once.
type RestoreStreamer struct {
	*Streamer
	cfg       RestoreConfig
	sessionID string

	snapshotVersion uint64
	changeCbID      uint32
	cursor          uint64
	scanDone        chan struct{}
	aborted         bool
}

func NewRestoreStreamer(j *Journal, cntx *Context, cfg RestoreConfig) *RestoreStreamer {
	return &RestoreStreamer{
		Streamer:  NewStreamer(j, cntx),
		cfg:       cfg,
		sessionID: uuid.NewString(),
		scanDone:  make(chan struct{}),
	}
}

// SessionID identifies this migration flow across reconnects.
func (r *RestoreStreamer) SessionID() string { return r.sessionID }

// ScanDone is closed once the background scan has covered every bucket.
func (r *RestoreStreamer) ScanDone() <-chan struct{} { return r.scanDone }

// Start attaches the streamer, hooks table changes and kicks off the
// bucket scan. Must run on the shard executor.
func (r *RestoreStreamer) Start(dest AsyncSink) {
	r.changeCbID, r.snapshotVersion = r.cfg.Table.RegisterOnChange(r.onDbChange)
	r.start(dest, r.onJournalChange)
	slog.Info("slot migration started",
		"session", r.sessionID, "slots", r.cfg.Slots.Count(), "version", r.snapshotVersion)
	r.cfg.Post(r.scanSlice)
}

// onJournalChange filters the tail. Records without a slot id are
// dropped, commands land only when their slot is migrated, and a flush
// aborts the flow since the snapshot horizon no longer holds.
func (r *RestoreStreamer) onJournalChange(e Entry, allowAwait bool) {
	if e.Op != protocol.OpJournalCommand || r.aborted {
		return
	}
	if e.Cmd == "FLUSHDB" || e.Cmd == "FLUSHALL" {
		r.OnFlush()
		return
	}
	if e.Slot < 0 || !r.cfg.Slots.Contains(uint16(e.Slot)) {
		return
	}
	r.Write(e)
	if allowAwait {
		r.ThrottleIfNeeded()
	}
}

const scanSliceBuckets = 100

func (r *RestoreStreamer) scanSlice() {
	if r.cntx.Canceled() || r.aborted {
		return
	}
	for i := 0; i < scanSliceBuckets; i++ {
		b := int(r.cursor)
		if r.cfg.Table.BucketVersion(b) < r.snapshotVersion {
			r.writeBucket(b)
		}
		r.cursor++
		if r.cursor == uint64(r.cfg.Table.BucketCount()) {
			close(r.scanDone)
			slog.Info("slot migration scan finished", "session", r.sessionID)
			return
		}
	}
	r.ThrottleIfNeeded()
	r.cfg.Post(r.scanSlice)
}

// onDbChange runs before a mutation lands. A bucket the scan has not
// reached yet is flushed now so the mutation cannot be lost or doubled.
func (r *RestoreStreamer) onDbChange(req core.ChangeReq) {
	if r.cfg.Table.BucketVersion(req.Bucket) < r.snapshotVersion {
		r.writeBucket(req.Bucket)
	}
}

func (r *RestoreStreamer) writeBucket(b int) {
	r.cfg.Table.TraverseBucket(b, func(e *core.Entry) {
		if !r.ShouldWrite(e.Key) {
			return
		}
		if err := r.WriteEntry(e); err != nil {
			slog.Error("failed to serialize key", "key", e.Key, "err", err)
			r.cntx.ReportError(err)
		}
	})
	r.cfg.Table.BumpVersion(b, r.snapshotVersion)
}

// ShouldWrite reports whether key belongs to the migrated slot set.
func (r *RestoreStreamer) ShouldWrite(key string) bool {
	return r.cfg.Slots.Contains(core.KeySlot(key))
}

// WriteEntry emits the commands that rebuild one key on the target.
// Values within the chunk limit travel as a single RESTORE; larger ones
// are re-issued as chunked write commands.
func (r *RestoreStreamer) WriteEntry(e *core.Entry) error {
	v := e.Value
	slot := int32(core.KeySlot(e.Key))
	if v.Tag() == core.TagString {
		data, err := r.cfg.Fetch(v)
		if err != nil {
			return err
		}
		if len(data) <= protocol.SerializationMaxChunkSize {
			dump := core.DumpValue(core.NewString(data))
			r.writeCommand(slot, "RESTORE", [][]byte{[]byte(e.Key), []byte("0"), dump})
		} else {
			r.writeStringChunks(slot, e.Key, data)
		}
	} else if r.valueSize(v) <= protocol.SerializationMaxChunkSize {
		dump := core.DumpValue(v)
		r.writeCommand(slot, "RESTORE", [][]byte{[]byte(e.Key), []byte("0"), dump})
	} else {
		r.writeChunkedValue(slot, e.Key, v)
	}
	if e.ExpireAt > 0 {
		r.writeCommand(slot, "PEXIRE", [][]byte{
			[]byte(e.Key), []byte(strconv.FormatInt(e.ExpireAt, 10))})
	}
	if v.IsSticky() {
		r.writeCommand(slot, "STICK", [][]byte{[]byte(e.Key)})
	}
	return nil
}

func (r *RestoreStreamer) valueSize(v *core.PrimeValue) int { return v.Size() }

func (r *RestoreStreamer) writeCommand(slot int32, cmd string, args [][]byte) {
	r.Write(Entry{
		Op:      protocol.OpJournalCommand,
		DbIndex: r.cfg.DbIndex,
		Slot:    slot,
		Cmd:     cmd,
		Args:    args,
	})
}

func (r *RestoreStreamer) writeStringChunks(slot int32, key string, data []byte) {
	first := true
	for len(data) > 0 {
		n := len(data)
		if n > protocol.SerializationMaxChunkSize {
			n = protocol.SerializationMaxChunkSize
		}
		chunk := data[:n]
		data = data[n:]
		if first {
			r.writeCommand(slot, "SET", [][]byte{[]byte(key), chunk})
			first = false
		} else {
			r.writeCommand(slot, "APPEND", [][]byte{[]byte(key), chunk})
		}
	}
}

func (r *RestoreStreamer) writeChunkedValue(slot int32, key string, v *core.PrimeValue) {
	flush := func(cmd string, args [][]byte) {
		if len(args) > 1 {
			r.writeCommand(slot, cmd, args)
		}
	}
	keyArg := []byte(key)
	switch v.Tag() {
	case core.TagList:
		args, bytes := [][]byte{keyArg}, 0
		for _, el := range v.List() {
			args = append(args, el)
			if bytes += len(el); bytes > protocol.SerializationMaxChunkSize {
				flush("RPUSH", args)
				args, bytes = [][]byte{keyArg}, 0
			}
		}
		flush("RPUSH", args)
	case core.TagSet:
		args, bytes := [][]byte{keyArg}, 0
		for m := range v.Set() {
			args = append(args, []byte(m))
			if bytes += len(m); bytes > protocol.SerializationMaxChunkSize {
				flush("SADD", args)
				args, bytes = [][]byte{keyArg}, 0
			}
		}
		flush("SADD", args)
	case core.TagZSet:
		args, bytes := [][]byte{keyArg}, 0
		for _, ze := range v.ZSet() {
			score := strconv.FormatFloat(ze.Score, 'g', -1, 64)
			args = append(args, []byte(score), []byte(ze.Member))
			if bytes += len(score) + len(ze.Member); bytes > protocol.SerializationMaxChunkSize {
				flush("ZADD", args)
				args, bytes = [][]byte{keyArg}, 0
			}
		}
		flush("ZADD", args)
	case core.TagHash:
		args, bytes := [][]byte{keyArg}, 0
		for f, val := range v.Hash() {
			args = append(args, []byte(f), []byte(val))
			if bytes += len(f) + len(val); bytes > protocol.SerializationMaxChunkSize {
				flush("HSET", args)
				args, bytes = [][]byte{keyArg}, 0
			}
		}
		flush("HSET", args)
	}
}

// OnFlush aborts the migration; a database flush invalidates the
// snapshot horizon.
func (r *RestoreStreamer) OnFlush() {
	if r.aborted {
		return
	}
	r.aborted = true
	slog.Warn("slot migration aborted by flush", "session", r.sessionID)
	r.cntx.ReportError(protocol.ErrMigrationAborted)
}

// SendFinalize writes the end-of-stream LSN marker carrying the
// finalize attempt number, then blocks until the output has drained.
func (r *RestoreStreamer) SendFinalize(attempt int) {
	r.Write(Entry{Op: protocol.OpJournalLSN, LSN: uint64(attempt)})
	r.Drain()
	slog.Info("slot migration finalize sent", "session", r.sessionID, "attempt", attempt)
}

// Stop detaches the table hook and the underlying streamer. Must run on
// the shard executor for the table side.
func (r *RestoreStreamer) Stop() {
	if r.changeCbID != 0 {
		r.cfg.Table.UnregisterOnChange(r.changeCbID)
		r.changeCbID = 0
	}
	r.Cancel()
}
