package ring

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	shmMagic      = 0x54524c51 // "TRLQ"
	shmHeaderSize = 64
	shmDir        = "/dev/shm"

	channelAccountLen = 32
	channelHeaderSize = channelAccountLen + 8 // account + head + tail
)

// Channels is a bank of shared-memory rings, one per registered account,
// all inside one segment. The trader and the strategy process agree on the
// segment name and channel geometry; each account claims one channel and
// uses it single-writer/single-reader.
type Channels struct {
	name     string
	mem      []byte
	count    int32
	slots    int32
	slotSize int32
	chanSize int
}

// OpenChannels maps (creating if absent) a segment with `count` channels,
// each a ring of `slots` records of `slotSize` bytes.
func OpenChannels(name string, count, slots, slotSize int) (*Channels, error) {
	if count <= 0 || slots < 2 || slotSize <= 0 {
		return nil, fmt.Errorf("shm channels %s: invalid geometry count=%d slots=%d slotSize=%d", name, count, slots, slotSize)
	}
	chanSize := channelHeaderSize + slots*slotSize
	total := shmHeaderSize + count*chanSize
	path := filepath.Join(shmDir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm channels %s: open: %w", name, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm channels %s: stat: %w", name, err)
	}
	created := st.Size() == 0
	if created {
		if err := f.Truncate(int64(total)); err != nil {
			return nil, fmt.Errorf("shm channels %s: truncate: %w", name, err)
		}
	} else if st.Size() != int64(total) {
		return nil, fmt.Errorf("shm channels %s: segment size %d does not match geometry %d", name, st.Size(), total)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm channels %s: mmap: %w", name, err)
	}

	c := &Channels{
		name:     name,
		mem:      mem,
		count:    int32(count),
		slots:    int32(slots),
		slotSize: int32(slotSize),
		chanSize: chanSize,
	}
	if created {
		binary.LittleEndian.PutUint32(mem[0:4], shmMagic)
		binary.LittleEndian.PutUint32(mem[4:8], uint32(count))
		binary.LittleEndian.PutUint32(mem[8:12], uint32(slots))
		binary.LittleEndian.PutUint32(mem[12:16], uint32(slotSize))
	} else if binary.LittleEndian.Uint32(mem[0:4]) != shmMagic ||
		binary.LittleEndian.Uint32(mem[4:8]) != uint32(count) ||
		binary.LittleEndian.Uint32(mem[8:12]) != uint32(slots) ||
		binary.LittleEndian.Uint32(mem[12:16]) != uint32(slotSize) {
		unix.Munmap(mem)
		return nil, fmt.Errorf("shm channels %s: geometry mismatch with existing segment", name)
	}
	return c, nil
}

func (c *Channels) channelOffset(i int32) int {
	return shmHeaderSize + int(i)*c.chanSize
}

func (c *Channels) accountAt(i int32) []byte {
	off := c.channelOffset(i)
	return c.mem[off : off+channelAccountLen]
}

func (c *Channels) indexPtrs(i int32) (head, tail *int32) {
	off := c.channelOffset(i) + channelAccountLen
	return (*int32)(unsafe.Pointer(&c.mem[off])), (*int32)(unsafe.Pointer(&c.mem[off+4]))
}

func (c *Channels) slotAt(i, s int32) []byte {
	off := c.channelOffset(i) + channelHeaderSize + int(s)*int(c.slotSize)
	return c.mem[off : off+int(c.slotSize)]
}

func (c *Channels) find(account string) (int32, bool) {
	want := accountBytes(account)
	for i := int32(0); i < c.count; i++ {
		if bytes.Equal(c.accountAt(i), want[:]) {
			return i, true
		}
	}
	return 0, false
}

// Register claims a channel for the account, reusing an existing claim if
// one is present. It fails only when every channel is taken.
func (c *Channels) Register(account string) error {
	if _, ok := c.find(account); ok {
		return nil
	}
	var empty [channelAccountLen]byte
	for i := int32(0); i < c.count; i++ {
		if bytes.Equal(c.accountAt(i), empty[:]) {
			want := accountBytes(account)
			copy(c.accountAt(i), want[:])
			return nil
		}
	}
	return fmt.Errorf("shm channels %s: no free channel for account %s", c.name, account)
}

// ResetChannel zeroes the account's ring. Must not race with Push or Pop.
func (c *Channels) ResetChannel(account string) {
	i, ok := c.find(account)
	if !ok {
		return
	}
	for s := int32(0); s < c.slots; s++ {
		slot := c.slotAt(i, s)
		for j := range slot {
			slot[j] = 0
		}
	}
	head, tail := c.indexPtrs(i)
	atomic.StoreInt32(head, 0)
	atomic.StoreInt32(tail, 0)
}

// Push appends one record to the account's channel, zero padding it to the
// slot size.
func (c *Channels) Push(account string, record []byte) bool {
	i, ok := c.find(account)
	if !ok || len(record) == 0 || int32(len(record)) > c.slotSize {
		return false
	}
	head, tail := c.indexPtrs(i)
	t := atomic.LoadInt32(tail)
	next := (t + 1) % c.slots
	if atomic.LoadInt32(head) == next {
		return false
	}
	slot := c.slotAt(i, t)
	n := copy(slot, record)
	for j := n; j < len(slot); j++ {
		slot[j] = 0
	}
	atomic.StoreInt32(tail, next)
	return true
}

// Pop copies the oldest record of the account's channel into dst.
func (c *Channels) Pop(account string, dst []byte) bool {
	i, ok := c.find(account)
	if !ok || int32(len(dst)) < c.slotSize {
		return false
	}
	head, tail := c.indexPtrs(i)
	h := atomic.LoadInt32(head)
	if h == atomic.LoadInt32(tail) {
		return false
	}
	copy(dst, c.slotAt(i, h))
	atomic.StoreInt32(head, (h+1)%c.slots)
	return true
}

// Close unmaps the segment.
func (c *Channels) Close() error {
	if c.mem == nil {
		return nil
	}
	err := unix.Munmap(c.mem)
	c.mem = nil
	return err
}

// Unlink removes the backing segment file.
func (c *Channels) Unlink() error {
	return os.Remove(filepath.Join(shmDir, c.name))
}

func accountBytes(account string) [channelAccountLen]byte {
	var b [channelAccountLen]byte
	copy(b[:], account)
	return b
}
