package collector

import "sort"

// scheduleIndex is the ordered map of due-time (unix nanos) to the clients
// due at that instant. It mirrors the client table exactly: every registered
// client appears in exactly one bucket, keyed by its current next-due time.
type scheduleIndex struct {
	keys    []int64 // ascending
	buckets map[int64][]string
}

func newScheduleIndex() scheduleIndex {
	return scheduleIndex{buckets: make(map[int64][]string)}
}

func (s *scheduleIndex) empty() bool { return len(s.keys) == 0 }

// min returns the earliest due time. Only valid when not empty.
func (s *scheduleIndex) min() int64 { return s.keys[0] }

func (s *scheduleIndex) add(at int64, id string) {
	if ids, ok := s.buckets[at]; ok {
		s.buckets[at] = append(ids, id)
		return
	}
	s.buckets[at] = []string{id}
	i := sort.Search(len(s.keys), func(i int) bool { return s.keys[i] >= at })
	s.keys = append(s.keys, 0)
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = at
}

// remove drops id from its bucket at the given due time, deleting the bucket
// when it empties.
func (s *scheduleIndex) remove(at int64, id string) {
	ids, ok := s.buckets[at]
	if !ok {
		return
	}
	for i, cur := range ids {
		if cur == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.buckets, at)
		i := sort.Search(len(s.keys), func(i int) bool { return s.keys[i] >= at })
		if i < len(s.keys) && s.keys[i] == at {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
		}
		return
	}
	s.buckets[at] = ids
}

// popDue removes and returns every client in a bucket at or before now,
// earliest buckets first.
func (s *scheduleIndex) popDue(now int64) []string {
	var due []string
	for len(s.keys) > 0 && s.keys[0] <= now {
		at := s.keys[0]
		due = append(due, s.buckets[at]...)
		delete(s.buckets, at)
		s.keys = s.keys[1:]
	}
	return due
}
