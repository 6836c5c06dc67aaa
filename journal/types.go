package journal

import (
	"stormkv/protocol"
)

// Entry is one journal record. LSN is assigned by the journal at append
// time and is strictly monotonic per shard.
type Entry struct {
	LSN      uint64
	TxID     uint64
	Op       uint8
	DbIndex  int
	ShardCnt uint32
	// Slot is the cluster slot of the touched keys, -1 when the record
	// is not slot-bound.
	Slot int32
	Cmd  string
	Args [][]byte
}

// NewCommand builds a command record. The LSN field is filled on append.
func NewCommand(txID uint64, dbIndex int, shardCnt uint32, slot int32, cmd string, args [][]byte) Entry {
	return Entry{
		TxID:     txID,
		Op:       protocol.OpJournalCommand,
		DbIndex:  dbIndex,
		ShardCnt: shardCnt,
		Slot:     slot,
		Cmd:      cmd,
		Args:     args,
	}
}

// HasPayload reports whether the record carries a command body.
func (e Entry) HasPayload() bool { return e.Op == protocol.OpJournalCommand }
