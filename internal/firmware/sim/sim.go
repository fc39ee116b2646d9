// Package sim is a simulated firmware. It implements the boot services,
// graphics output and simple file system protocols over an in-process
// physical memory arena, so the loader can run end to end on a host.
package sim

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/kboot/internal/firmware"
)

// DescriptorStride is the memory descriptor size the simulator reports. It
// is larger than the decoded fields, as on real firmware.
const DescriptorStride = 48

// poolAlign is the alignment of pool allocations.
const poolAlign = 16

// Kernel runs in place of a loaded kernel when control is transferred to it.
type Kernel func(mem firmware.PhysicalMemory, entry, arg uint64) error

type handleEntry struct {
	protocols map[firmware.GUID]any
	opens     map[firmware.GUID]int
}

type block struct {
	addr uint64
	size uint64
}

// Config describes the simulated machine.
type Config struct {
	Memory *Arena

	// PoolBase and PoolSize bound the pool heap inside Memory.
	PoolBase uint64
	PoolSize uint64

	// MemoryMap is the map reported by GetMemoryMap.
	MemoryMap []firmware.MemoryDescriptor

	// Kernel is called by Transfer. A nil Kernel returns immediately.
	Kernel Kernel

	Logger *slog.Logger
}

// Firmware is a simulated firmware instance.
type Firmware struct {
	mu  sync.Mutex
	cfg Config

	handles []*handleEntry

	next uint64
	live map[uint64]uint64
	free []block

	mapKey    uint64
	exited    bool
	transfers int
}

var (
	_ firmware.BootServices  = (*Firmware)(nil)
	_ firmware.EntryTransfer = (*Firmware)(nil)
)

// New returns a firmware with no handles.
func New(cfg Config) (*Firmware, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("sim: no physical memory")
	}
	if cfg.PoolBase == 0 || !cfg.Memory.Contains(cfg.PoolBase, cfg.PoolSize) {
		return nil, fmt.Errorf("sim: pool heap %#x+%#x outside physical memory", cfg.PoolBase, cfg.PoolSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Firmware{
		cfg:    cfg,
		next:   cfg.PoolBase,
		live:   make(map[uint64]uint64),
		mapKey: 1,
	}, nil
}

// Memory returns the physical address space.
func (f *Firmware) Memory() *Arena {
	return f.cfg.Memory
}

// Close releases the physical memory.
func (f *Firmware) Close() error {
	return f.cfg.Memory.Close()
}

// Services returns the firmware services with con as the console.
func (f *Firmware) Services(con firmware.Console) firmware.Services {
	return firmware.Services{
		Boot:    f,
		Console: con,
		Memory:  f.cfg.Memory,
		Entry:   f,
	}
}

// AddHandle installs a handle supporting the given protocols.
func (f *Firmware) AddHandle(protocols map[firmware.GUID]any) firmware.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &handleEntry{protocols: make(map[firmware.GUID]any), opens: make(map[firmware.GUID]int)}
	for guid, iface := range protocols {
		h.protocols[guid] = iface
		switch p := iface.(type) {
		case *Display:
			p.fw = f
		case *Volume:
			p.fw = f
		}
	}
	f.handles = append(f.handles, h)
	return firmware.Handle(len(f.handles))
}

// AddDisplay installs a graphics adapter.
func (f *Firmware) AddDisplay(d *Display) firmware.Handle {
	return f.AddHandle(map[firmware.GUID]any{firmware.GraphicsOutputProtocolGUID: d})
}

// AddVolume installs a file system volume.
func (f *Firmware) AddVolume(v *Volume) firmware.Handle {
	return f.AddHandle(map[firmware.GUID]any{firmware.SimpleFileSystemProtocolGUID: v})
}

func (f *Firmware) checkLocked() error {
	if f.exited {
		return firmware.ErrServicesExited
	}
	return nil
}

func (f *Firmware) exitedNow() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

func (f *Firmware) handle(h firmware.Handle) (*handleEntry, error) {
	if h == 0 || int(h) > len(f.handles) {
		return nil, firmware.StatusInvalidParameter
	}
	return f.handles[h-1], nil
}

func (f *Firmware) LocateHandleBuffer(protocol firmware.GUID) (firmware.HandleBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return firmware.HandleBuffer{}, err
	}
	var hb firmware.HandleBuffer
	for i, h := range f.handles {
		if _, ok := h.protocols[protocol]; ok {
			hb.Handles = append(hb.Handles, firmware.Handle(i+1))
		}
	}
	if len(hb.Handles) == 0 {
		return firmware.HandleBuffer{}, firmware.StatusNotFound
	}
	pool, err := f.allocateLocked(uint64(8 * len(hb.Handles)))
	if err != nil {
		return firmware.HandleBuffer{}, err
	}
	for i, h := range hb.Handles {
		binary.LittleEndian.PutUint64(pool.Bytes[i*8:], uint64(h))
	}
	hb.Pool = pool
	return hb, nil
}

func (f *Firmware) OpenProtocol(handle firmware.Handle, protocol firmware.GUID) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return nil, err
	}
	h, err := f.handle(handle)
	if err != nil {
		return nil, err
	}
	iface, ok := h.protocols[protocol]
	if !ok {
		return nil, firmware.StatusUnsupported
	}
	h.opens[protocol]++
	return iface, nil
}

func (f *Firmware) CloseProtocol(handle firmware.Handle, protocol firmware.GUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	h, err := f.handle(handle)
	if err != nil {
		return err
	}
	if h.opens[protocol] == 0 {
		return firmware.StatusNotFound
	}
	h.opens[protocol]--
	return nil
}

func (f *Firmware) AllocatePool(memoryType firmware.MemoryType, size int) (firmware.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return firmware.Pool{}, err
	}
	if size < 0 {
		return firmware.Pool{}, firmware.StatusInvalidParameter
	}
	if memoryType > firmware.PersistentMemory {
		return firmware.Pool{}, firmware.StatusInvalidParameter
	}
	return f.allocateLocked(uint64(size))
}

func (f *Firmware) allocateLocked(size uint64) (firmware.Pool, error) {
	rounded := max(poolAlign, (size+poolAlign-1)&^(poolAlign-1))

	addr := uint64(0)
	for i, b := range f.free {
		if b.size >= rounded {
			addr = b.addr
			if b.size == rounded {
				f.free = append(f.free[:i], f.free[i+1:]...)
			} else {
				f.free[i] = block{addr: b.addr + rounded, size: b.size - rounded}
			}
			break
		}
	}
	if addr == 0 {
		if f.next+rounded > f.cfg.PoolBase+f.cfg.PoolSize {
			return firmware.Pool{}, firmware.StatusOutOfResources
		}
		addr = f.next
		f.next += rounded
	}

	bytes, err := f.cfg.Memory.Slice(addr, rounded)
	if err != nil {
		return firmware.Pool{}, err
	}
	clear(bytes)
	f.live[addr] = rounded
	f.mapKey++
	return firmware.Pool{Address: addr, Bytes: bytes[:size:size]}, nil
}

func (f *Firmware) FreePool(pool firmware.Pool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	size, ok := f.live[pool.Address]
	if !ok {
		return firmware.StatusInvalidParameter
	}
	delete(f.live, pool.Address)
	f.free = append(f.free, block{addr: pool.Address, size: size})
	sort.Slice(f.free, func(i, j int) bool { return f.free[i].addr < f.free[j].addr })
	// Coalesce neighbours.
	merged := f.free[:1]
	for _, b := range f.free[1:] {
		last := &merged[len(merged)-1]
		if last.addr+last.size == b.addr {
			last.size += b.size
		} else {
			merged = append(merged, b)
		}
	}
	f.free = merged
	f.mapKey++
	return nil
}

func (f *Firmware) GetMemoryMap(buf []byte) (firmware.MemoryMapInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return firmware.MemoryMapInfo{}, err
	}
	info := firmware.MemoryMapInfo{
		Size:              len(f.cfg.MemoryMap) * DescriptorStride,
		MapKey:            f.mapKey,
		DescriptorSize:    DescriptorStride,
		DescriptorVersion: firmware.MemoryDescriptorVersion,
	}
	if len(buf) < info.Size {
		return info, firmware.StatusBufferTooSmall
	}
	for i, d := range f.cfg.MemoryMap {
		ent := buf[i*DescriptorStride : (i+1)*DescriptorStride]
		clear(ent)
		d.Put(ent)
	}
	return info, nil
}

func (f *Firmware) ExitBootServices(mapKey uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	if mapKey != f.mapKey {
		return firmware.StatusInvalidParameter
	}
	f.exited = true
	f.cfg.Logger.Debug("boot services exited", "key", mapKey, "live pools", len(f.live))
	return nil
}

// Transfer runs the configured kernel. It fails if boot services are still
// active or entry is not backed by memory.
func (f *Firmware) Transfer(entry, arg uint64) error {
	f.mu.Lock()
	if !f.exited {
		f.mu.Unlock()
		return fmt.Errorf("sim: transfer to %#x with boot services active", entry)
	}
	f.transfers++
	kernel := f.cfg.Kernel
	f.mu.Unlock()

	if !f.cfg.Memory.Contains(entry, 1) {
		return fmt.Errorf("sim: entry %#x outside physical memory: %w", entry, firmware.StatusLoadError)
	}
	f.cfg.Logger.Debug("transfer", "entry", fmt.Sprintf("%#x", entry), "arg", fmt.Sprintf("%#x", arg))
	if kernel == nil {
		return nil
	}
	return kernel(f.cfg.Memory, entry, arg)
}

// Stats is a snapshot of firmware bookkeeping.
type Stats struct {
	LivePools     int
	LivePoolBytes uint64
	OpenProtocols int
	OpenFiles     int
	MapKey        uint64
	Exited        bool
	Transfers     int
}

// Stats reports current bookkeeping.
func (f *Firmware) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Stats{
		LivePools: len(f.live),
		MapKey:    f.mapKey,
		Exited:    f.exited,
		Transfers: f.transfers,
	}
	for _, size := range f.live {
		s.LivePoolBytes += size
	}
	for _, h := range f.handles {
		for _, n := range h.opens {
			s.OpenProtocols += n
		}
		for _, iface := range h.protocols {
			if v, ok := iface.(*Volume); ok {
				s.OpenFiles += int(v.openFiles.Load())
			}
		}
	}
	return s
}

// OpenCount reports how often protocol is currently open on handle.
func (f *Firmware) OpenCount(handle firmware.Handle, protocol firmware.GUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, err := f.handle(handle)
	if err != nil {
		return 0
	}
	return h.opens[protocol]
}
