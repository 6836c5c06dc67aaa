package journal

// CommitMode controls when aggregated records reach the journal.
type CommitMode uint8

const (
	// CommitAuto appends every record as it is added.
	CommitAuto CommitMode = iota
	// CommitNone buffers records until Commit, so a multi-step command
	// lands in the journal as one contiguous run.
	CommitNone
)

// Aggregator collects the journal records of one command execution.
// Replicated multi-step commands buffer their records so a reader never
// observes a half-applied command between two unrelated entries.
type Aggregator struct {
	j       *Journal
	mode    CommitMode
	pending []Entry
}

func NewAggregator(j *Journal, mode CommitMode) *Aggregator {
	return &Aggregator{j: j, mode: mode}
}

// Add records e, either immediately or buffered per the commit mode.
// The assigned LSN is returned for auto mode, 0 when buffered.
func (a *Aggregator) Add(e Entry) uint64 {
	if a.mode == CommitAuto {
		return a.j.Append(e, true)
	}
	a.pending = append(a.pending, e)
	return 0
}

// Commit flushes buffered records as one contiguous run. Throttling is
// applied once at the end so the run itself is never split by a stall.
func (a *Aggregator) Commit() {
	for i, e := range a.pending {
		a.j.Append(e, i == len(a.pending)-1)
	}
	a.pending = nil
}

// Discard drops buffered records without appending them.
func (a *Aggregator) Discard() {
	a.pending = nil
}
