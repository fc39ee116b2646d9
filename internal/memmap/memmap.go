// Package memmap captures the firmware's physical memory map.
package memmap

import (
	"fmt"

	"github.com/tinyrange/kboot/internal/firmware"
)

// Snapshot is one memory map as the firmware returned it.
type Snapshot struct {
	Raw     []byte
	Count   int
	Stride  int
	Version uint32

	// Key identifies this map to ExitBootServices.
	Key uint64
}

// Collect queries the memory map with a sizing call followed by a fetch into
// a buffer of the reported size. The buffer is owned by the Go heap, so
// taking the snapshot does not itself change the map.
func Collect(bs firmware.BootServices) (*Snapshot, error) {
	var info firmware.MemoryMapInfo
	raw, err := firmware.TwoPhase(func(buf []byte) (int, error) {
		var err error
		info, err = bs.GetMemoryMap(buf)
		return info.Size, err
	}, 0, firmware.HeapAllocator)
	if err != nil {
		return nil, fmt.Errorf("get memory map: %w", err)
	}

	if info.DescriptorSize < firmware.MemoryDescriptorSize {
		return nil, fmt.Errorf("memory descriptor size %d below %d: %w", info.DescriptorSize, firmware.MemoryDescriptorSize, firmware.ErrUnexpectedStatus)
	}
	if len(raw)%info.DescriptorSize != 0 {
		return nil, fmt.Errorf("memory map of %d bytes is not a multiple of descriptor size %d: %w", len(raw), info.DescriptorSize, firmware.ErrUnexpectedStatus)
	}
	return &Snapshot{
		Raw:     raw,
		Count:   len(raw) / info.DescriptorSize,
		Stride:  info.DescriptorSize,
		Version: info.DescriptorVersion,
		Key:     info.MapKey,
	}, nil
}

// Region is one decoded memory map entry.
type Region struct {
	Type          firmware.MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	Pages         uint64
	Attribute     uint64
}

// End returns the first physical address after the region.
func (r Region) End() uint64 {
	return r.PhysicalStart + r.Pages*firmware.PageSize
}

func (r Region) String() string {
	return fmt.Sprintf("%#012x-%#012x %-13s %d pages", r.PhysicalStart, r.End(), r.Type, r.Pages)
}

// Regions decodes the snapshot in firmware order. Bytes of each descriptor
// beyond the known fields are ignored.
func (s *Snapshot) Regions() ([]Region, error) {
	if s.Version != firmware.MemoryDescriptorVersion {
		return nil, fmt.Errorf("unsupported memory descriptor version %d", s.Version)
	}
	regions := make([]Region, 0, s.Count)
	for i := 0; i < s.Count; i++ {
		off := i * s.Stride
		if off+s.Stride > len(s.Raw) {
			return nil, fmt.Errorf("descriptor %d outside %d byte map", i, len(s.Raw))
		}
		d, err := firmware.DecodeMemoryDescriptor(s.Raw[off : off+s.Stride])
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		regions = append(regions, Region{
			Type:          d.Type,
			PhysicalStart: d.PhysicalStart,
			VirtualStart:  d.VirtualStart,
			Pages:         d.NumberOfPages,
			Attribute:     d.Attribute,
		})
	}
	return regions, nil
}

// Summary totals a memory map.
type Summary struct {
	Regions     int
	TotalPages  uint64
	UsablePages uint64
	ByType      map[firmware.MemoryType]uint64
}

// UsableBytes is the memory the kernel may claim once boot services are gone.
func (s Summary) UsableBytes() uint64 {
	return s.UsablePages * firmware.PageSize
}

func (s Summary) String() string {
	return fmt.Sprintf("%d regions, %d pages, %d usable (%d MiB)", s.Regions, s.TotalPages, s.UsablePages, s.UsableBytes()>>20)
}

// Summarize totals regions by type.
func Summarize(regions []Region) Summary {
	s := Summary{Regions: len(regions), ByType: make(map[firmware.MemoryType]uint64)}
	for _, r := range regions {
		s.TotalPages += r.Pages
		s.ByType[r.Type] += r.Pages
		if r.Type.Usable() {
			s.UsablePages += r.Pages
		}
	}
	return s
}
