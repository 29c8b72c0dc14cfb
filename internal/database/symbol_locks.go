package database

import (
	"hash/fnv"
	"sort"
	"sync"
)

// SymbolLocks serializes writers per symbol using a fixed set of lock
// stripes. Writers touching disjoint stripes proceed in parallel; a single
// stripe degenerates to one global write lock.
type SymbolLocks struct {
	stripes []sync.Mutex
}

func NewSymbolLocks(stripes int) *SymbolLocks {
	if stripes < 1 {
		stripes = 1
	}
	return &SymbolLocks{stripes: make([]sync.Mutex, stripes)}
}

func (l *SymbolLocks) stripe(symbol string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(l.stripes)))
}

// Lock acquires the stripes covering symbols in ascending order and returns
// the matching unlock function.
func (l *SymbolLocks) Lock(symbols ...string) func() {
	seen := make(map[int]struct{}, len(symbols))
	idx := make([]int, 0, len(symbols))
	for _, s := range symbols {
		i := l.stripe(s)
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

// Stripes is the number of lock stripes.
func (l *SymbolLocks) Stripes() int {
	return len(l.stripes)
}
