package models

import "fmt"

const (
	DefaultFolder   = "INBOX"
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// SeqRange is an inclusive range of message sequence numbers
type SeqRange struct {
	Start uint32
	End   uint32
}

// Len returns the number of messages in the range
func (r SeqRange) Len() int {
	return int(r.End-r.Start) + 1
}

func (r SeqRange) String() string {
	return fmt.Sprintf("%d:%d", r.Start, r.End)
}

// PageRange computes the sequence range holding the given newest-first page
// of a folder with total messages. Sequence numbers ascend from oldest to
// newest, so page 1 ends at total.
//
// Both ends are clamped to 1, which means a page past the end of the folder
// still yields the single range [1,1]. Callers rely on that; do not "fix" it
// here. ok is false only for an empty folder or when start > end.
func PageRange(total, page, limit int) (r SeqRange, ok bool) {
	if total <= 0 {
		return SeqRange{}, false
	}
	limit = max(1, limit)

	// page-1 past total/limit starts beyond the oldest message; answer
	// before multiplying so huge pages cannot overflow
	if page > 1 && page-1 > total/limit {
		return SeqRange{Start: 1, End: 1}, true
	}

	start := max(1, total-page*limit+1)
	end := max(1, total-(page-1)*limit)
	if start > end {
		return SeqRange{}, false
	}

	return SeqRange{Start: uint32(start), End: uint32(end)}, true
}

// ClampPageSize bounds limit to [1, MaxPageSize]
func ClampPageSize(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
