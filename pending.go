package signedlog

import "container/list"

// completion receives the single outcome of a fetch.
type completion func(data []byte, err error)

// pendingFetch is a fetch waiting for some session to hold its index. The
// pointer doubles as the ticket used to cancel it.
type pendingFetch struct {
	index uint64
	done  completion
	elem  *list.Element
}

// pendingQueue keeps waiting fetches in arrival order with O(1) removal.
type pendingQueue struct {
	l list.List
}

func (q *pendingQueue) push(index uint64, done completion) *pendingFetch {
	p := &pendingFetch{index: index, done: done}
	p.elem = q.l.PushBack(p)
	return p
}

// remove takes p off the queue. Removing a fetch that already left the
// queue is a no-op.
func (q *pendingQueue) remove(p *pendingFetch) bool {
	if p == nil || p.elem == nil {
		return false
	}
	q.l.Remove(p.elem)
	p.elem = nil
	return true
}

func (q *pendingQueue) len() int {
	return q.l.Len()
}

// each visits the queue front to back. fn may remove the fetch it is
// given.
func (q *pendingQueue) each(fn func(p *pendingFetch)) {
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		fn(e.Value.(*pendingFetch))
		e = next
	}
}

func (q *pendingQueue) drain() []*pendingFetch {
	var out []*pendingFetch
	q.each(func(p *pendingFetch) {
		q.remove(p)
		out = append(out, p)
	})
	return out
}
