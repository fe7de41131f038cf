package simdevice

import "sync"

// shardSize is the size of each memory shard, chosen the same way the
// teacher's backend.Memory picks 64KB: enough parallelism for typical I/O
// sizes without paying lock overhead per byte.
const shardSize = 64 * 1024

// memory is a RAM-backed block store the simulated controller reads and
// writes on behalf of I/O commands, sharded the same way the teacher's
// backend.Memory is so concurrent queue pairs don't serialize on one lock.
type memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

func newMemory(size int64) *memory {
	if size <= 0 {
		size = 1
	}
	numShards := (size + shardSize - 1) / shardSize
	return &memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *memory) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// readAt copies min(len(p), size-off) bytes from offset off into p.
func (m *memory) readAt(p []byte, off int64) int {
	if off >= m.size || off < 0 {
		for i := range p {
			p[i] = 0
		}
		return 0
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n
}

// writeAt copies min(len(p), size-off) bytes from p to offset off.
func (m *memory) writeAt(p []byte, off int64) int {
	if off >= m.size || off < 0 {
		return 0
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n
}
