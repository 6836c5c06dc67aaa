package journal

import "testing"

func TestAggregatorAutoCommit(t *testing.T) {
	j := NewJournal(16)
	a := NewAggregator(j, CommitAuto)

	lsn := a.Add(NewCommand(1, 0, 1, 0, "SET", nil))
	if lsn != 1 {
		t.Errorf("auto Add LSN = %d; want 1", lsn)
	}
	if j.NextLSN() != 2 {
		t.Errorf("NextLSN = %d; want 2", j.NextLSN())
	}
}

func TestAggregatorBufferedCommit(t *testing.T) {
	j := NewJournal(16)

	var awaits []bool
	j.RegisterOnChange(func(e Entry, allowAwait bool) {
		awaits = append(awaits, allowAwait)
	})

	a := NewAggregator(j, CommitNone)
	if lsn := a.Add(NewCommand(1, 0, 1, 0, "SET", nil)); lsn != 0 {
		t.Errorf("buffered Add LSN = %d; want 0", lsn)
	}
	a.Add(NewCommand(1, 0, 1, 0, "SET", nil))
	a.Add(NewCommand(1, 0, 1, 0, "SET", nil))
	if j.NextLSN() != 1 {
		t.Fatal("records reached the journal before Commit")
	}

	a.Commit()
	if j.NextLSN() != 4 {
		t.Errorf("NextLSN = %d; want 4", j.NextLSN())
	}
	// Only the final record of the run may block on back-pressure.
	want := []bool{false, false, true}
	for i, w := range want {
		if awaits[i] != w {
			t.Errorf("allowAwait[%d] = %v; want %v", i, awaits[i], w)
		}
	}

	// Commit is idempotent once drained.
	a.Commit()
	if j.NextLSN() != 4 {
		t.Error("empty Commit appended records")
	}
}

func TestAggregatorDiscard(t *testing.T) {
	j := NewJournal(16)
	a := NewAggregator(j, CommitNone)
	a.Add(NewCommand(1, 0, 1, 0, "SET", nil))
	a.Discard()
	a.Commit()
	if j.NextLSN() != 1 {
		t.Error("discarded records reached the journal")
	}
}
