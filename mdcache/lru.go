package mdcache

import "container/list"

// lruList is a midpoint LRU: fresh entries start at the head of the bottom
// segment and are promoted to the top segment on touch; eviction prefers the
// cold tail of the bottom segment. The midpoint bounds the top segment as a
// fraction of the whole.
type lruList struct {
	max int
	mid float64

	top *list.List
	bot *list.List
	loc map[*Inode]*lruLoc
}

type lruLoc struct {
	elem *list.Element
	top  bool
}

func newLRU(max int, mid float64) *lruList {
	return &lruList{
		max: max,
		mid: mid,
		top: list.New(),
		bot: list.New(),
		loc: make(map[*Inode]*lruLoc),
	}
}

func (l *lruList) Size() int { return l.top.Len() + l.bot.Len() }
func (l *lruList) Max() int  { return l.max }

func (l *lruList) Insert(in *Inode) {
	assertf(l.loc[in] == nil, "lru double insert of inode %d", in.Ino())
	l.loc[in] = &lruLoc{elem: l.bot.PushFront(in)}
}

func (l *lruList) Touch(in *Inode) {
	loc := l.loc[in]
	if loc == nil {
		return
	}
	if loc.top {
		l.top.MoveToFront(loc.elem)
	} else {
		l.bot.Remove(loc.elem)
		loc.elem = l.top.PushFront(in)
		loc.top = true
	}
	l.balance()
}

func (l *lruList) Remove(in *Inode) {
	loc := l.loc[in]
	if loc == nil {
		return
	}
	if loc.top {
		l.top.Remove(loc.elem)
	} else {
		l.bot.Remove(loc.elem)
	}
	delete(l.loc, in)
}

// Expire returns the coldest expireable entry, or nil if everything left is
// pinned.
func (l *lruList) Expire() *Inode {
	for e := l.bot.Back(); e != nil; e = e.Prev() {
		in := e.Value.(*Inode)
		if in.Expireable() {
			l.Remove(in)
			return in
		}
	}
	for e := l.top.Back(); e != nil; e = e.Prev() {
		in := e.Value.(*Inode)
		if in.Expireable() {
			l.Remove(in)
			return in
		}
	}
	return nil
}

// balance demotes top-segment tails past the midpoint share.
func (l *lruList) balance() {
	if l.mid <= 0 || l.mid >= 1 {
		return
	}
	for l.top.Len() > 1 && float64(l.top.Len()) > l.mid*float64(l.Size()) {
		e := l.top.Back()
		in := e.Value.(*Inode)
		l.top.Remove(e)
		loc := l.loc[in]
		loc.elem = l.bot.PushFront(in)
		loc.top = false
	}
}
