package queue

import "github.com/cuemby/jobfabric/pkg/types"

// jobHeap orders jobs within a lane by the lexicographic pair
// (priority_key, submitted_at), with job_id as the final tiebreak, per
// spec §4.1.
type jobHeap []*types.Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.PriorityKey != b.PriorityKey {
		return a.PriorityKey < b.PriorityKey
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.JobID < b.JobID
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*types.Job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
