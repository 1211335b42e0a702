package task

// QueueState is the three-way status of a queue partition.
type QueueState int

const (
	// QueueEmpty means the partition has no tasks at all.
	QueueEmpty QueueState = iota
	// QueueWorkable means at least one task is eligible for dispatch.
	QueueWorkable
	// QueueStalled means tasks exist but none are eligible; they await
	// human intervention (pass reset or move back to backlog).
	QueueStalled
)

func (s QueueState) String() string {
	switch s {
	case QueueWorkable:
		return "workable"
	case QueueStalled:
		return "stalled"
	default:
		return "empty"
	}
}

// QueueStatus summarises a partition for the controller and the policy.
type QueueStatus struct {
	State    QueueState
	Workable []Task
	Stalled  []Task
}

// WorkableCount returns the number of dispatchable tasks.
func (q QueueStatus) WorkableCount() int { return len(q.Workable) }

// StalledCount returns the number of tasks excluded by the pass ceiling
// or a non-workable status.
func (q QueueStatus) StalledCount() int { return len(q.Stalled) }

// CheckQueue computes the partition status under the given pass ceiling.
// The workable/stalled split is the selector's entire job; ranking within
// the workable set belongs to the worker.
func CheckQueue(tasks []Task, maxPasses int) QueueStatus {
	if len(tasks) == 0 {
		return QueueStatus{State: QueueEmpty}
	}

	st := QueueStatus{}
	for _, t := range tasks {
		if t.Workable(maxPasses) {
			st.Workable = append(st.Workable, t)
		} else {
			st.Stalled = append(st.Stalled, t)
		}
	}

	if len(st.Workable) > 0 {
		st.State = QueueWorkable
	} else {
		st.State = QueueStalled
	}
	return st
}
