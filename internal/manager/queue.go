package manager

import (
	"container/heap"

	"github.com/hivecore/hive/pkg/models"
)

// taskQueue orders queued tasks for dispatch: higher priority first, an
// earlier deadline breaks ties, earlier submission breaks what remains.
// Tasks without a deadline sort after tasks with one at equal priority.
type taskQueue []*models.Task

var _ heap.Interface = (*taskQueue)(nil)

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	switch {
	case a.Deadline != nil && b.Deadline != nil:
		if !a.Deadline.Equal(*b.Deadline) {
			return a.Deadline.Before(*b.Deadline)
		}
	case a.Deadline != nil:
		return true
	case b.Deadline != nil:
		return false
	}
	return a.SubmittedAt.Before(b.SubmittedAt)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*models.Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return task
}

// remove drops the task with the given ID from the queue, if present.
func (q *taskQueue) remove(id string) bool {
	for i, task := range *q {
		if task.ID == id {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}
