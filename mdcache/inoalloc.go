package mdcache

import "github.com/cubefs/mdcache/proto"

// inoRangeStep carves the ino space into one disjoint range per MDS so
// allocation needs no coordination.
const inoRangeStep = 1 << 40

// InoAllocator hands out inode numbers on the authority path.
type InoAllocator interface {
	Alloc() proto.Ino
	Reclaim(ino proto.Ino)
}

type rangeAllocator struct {
	next proto.Ino
	end  proto.Ino
	free []proto.Ino
}

func NewRangeAllocator(node proto.NodeID) InoAllocator {
	base := proto.Ino(uint64(node) * inoRangeStep)
	end := base + inoRangeStep
	if base <= proto.RootIno {
		base = proto.RootIno + 1
	}
	return &rangeAllocator{next: base, end: end}
}

func (a *rangeAllocator) Alloc() proto.Ino {
	if n := len(a.free); n > 0 {
		ino := a.free[n-1]
		a.free = a.free[:n-1]
		return ino
	}
	assertf(a.next < a.end, "ino range exhausted")
	ino := a.next
	a.next++
	return ino
}

func (a *rangeAllocator) Reclaim(ino proto.Ino) {
	a.free = append(a.free, ino)
}
