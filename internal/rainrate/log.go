package rainrate

// TipEntry is one bucket tip attributed to a point in time.
type TipEntry struct {
	Timestamp int64
	Amount    float64
	ExpiresAt int64
	// NoMerge marks bootstrap entries and entries that already came out of a merge.
	NoMerge bool
}

// EventLog holds the recent tips. Callers see it newest-first; internally
// the slice is kept oldest-first so that appends and expiry are cheap.
type EventLog struct {
	entries []TipEntry
}

// Len reports the number of live entries.
func (l *EventLog) Len() int {
	return len(l.entries)
}

// At returns the i-th newest entry (0 is the newest).
func (l *EventLog) At(i int) TipEntry {
	return l.entries[len(l.entries)-1-i]
}

// Entries returns a newest-first copy of the log.
func (l *EventLog) Entries() []TipEntry {
	out := make([]TipEntry, len(l.entries))
	for i := range l.entries {
		out[i] = l.At(i)
	}
	return out
}

// Total sums the amounts of all live entries.
func (l *EventLog) Total() float64 {
	var sum float64
	for _, e := range l.entries {
		sum += e.Amount
	}
	return sum
}

// pushFront inserts e as the newest entry.
func (l *EventLog) pushFront(e TipEntry) {
	l.entries = append(l.entries, e)
}

// popFront removes and returns the newest entry.
func (l *EventLog) popFront() TipEntry {
	last := len(l.entries) - 1
	e := l.entries[last]
	l.entries = l.entries[:last]
	return e
}

// expire drops entries from the tail while they have expired at now and
// returns how many were removed.
func (l *EventLog) expire(now int64) int {
	n := 0
	for n < len(l.entries) && l.entries[n].ExpiresAt <= now {
		n++
	}
	if n > 0 {
		l.entries = append(l.entries[:0], l.entries[n:]...)
	}
	return n
}
