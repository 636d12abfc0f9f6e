package persistence

// Scheduler is the flush state of one document: the count of updates not yet
// covered by a successful flush, the eager threshold, a suspension depth used
// during rollback, and the in-flight marker that keeps at most one flush per
// document outstanding. The periodic timer lives with the document loop and
// consults the same Scheduler.
//
// A Scheduler is owned by a single goroutine.
type Scheduler struct {
	threshold int
	pending   int
	captured  int
	suspended int
	inFlight  bool
}

func NewScheduler(threshold int) *Scheduler {
	if threshold <= 0 {
		threshold = 1
	}
	return &Scheduler{threshold: threshold}
}

// RecordUpdate counts one captured update and reports whether the eager
// threshold now calls for a flush.
func (s *Scheduler) RecordUpdate() bool {
	s.pending++
	return s.ready()
}

// Begin marks a flush as started when one is allowed. A flush is skipped when
// suspended, when another one is outstanding, or when nothing is pending.
func (s *Scheduler) Begin() bool {
	if s.suspended > 0 || s.inFlight || s.pending == 0 {
		return false
	}
	s.inFlight = true
	s.captured = s.pending
	return true
}

// Complete ends the outstanding flush. Only a successful flush clears the
// updates it covered; a failed one leaves the counter untouched so the next
// threshold check or timer tick retries. The result reports whether updates
// that arrived meanwhile already warrant another flush.
func (s *Scheduler) Complete(err error) bool {
	s.inFlight = false
	if err != nil {
		return false
	}
	s.pending -= s.captured
	if s.pending < 0 {
		s.pending = 0
	}
	s.captured = 0
	return s.ready()
}

// Suspend holds back flushes until a matching Resume. Suspensions nest so
// overlapping rollbacks keep flushing off until the last one finishes.
func (s *Scheduler) Suspend() {
	s.suspended++
}

// Resume lifts one suspension and reports whether a flush is due.
func (s *Scheduler) Resume() bool {
	if s.suspended > 0 {
		s.suspended--
	}
	return s.ready()
}

func (s *Scheduler) Pending() int {
	return s.pending
}

func (s *Scheduler) Suspended() bool {
	return s.suspended > 0
}

func (s *Scheduler) ready() bool {
	return s.suspended == 0 && !s.inFlight && s.pending >= s.threshold
}
