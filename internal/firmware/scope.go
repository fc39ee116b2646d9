package firmware

import (
	"errors"
	"fmt"
)

// Scope tracks firmware resources acquired during one operation and releases
// them in reverse order on Close. Every resource is released exactly once,
// whether the operation succeeded or not.
type Scope struct {
	bs       BootServices
	releases []func() error
}

// NewScope returns an empty scope over bs.
func NewScope(bs BootServices) *Scope {
	return &Scope{bs: bs}
}

// Defer registers fn to run when the scope closes.
func (s *Scope) Defer(fn func() error) {
	s.releases = append(s.releases, fn)
}

// AllocatePool allocates pool memory owned by the scope.
func (s *Scope) AllocatePool(memoryType MemoryType, size int) (Pool, error) {
	pool, err := s.bs.AllocatePool(memoryType, size)
	if err != nil {
		return Pool{}, err
	}
	s.Defer(func() error {
		if err := s.bs.FreePool(pool); err != nil {
			return fmt.Errorf("free pool %#x: %w", pool.Address, err)
		}
		return nil
	})
	return pool, nil
}

// LocateHandleBuffer searches for handles supporting protocol. The handle
// buffer is freed when the scope closes.
func (s *Scope) LocateHandleBuffer(protocol GUID) ([]Handle, error) {
	hb, err := s.bs.LocateHandleBuffer(protocol)
	if err != nil {
		return nil, err
	}
	if hb.Pool.Valid() {
		s.Defer(func() error {
			if err := s.bs.FreePool(hb.Pool); err != nil {
				return fmt.Errorf("free handle buffer: %w", err)
			}
			return nil
		})
	}
	return hb.Handles, nil
}

// CloseProtocolOnExit closes protocol on handle when the scope closes.
func (s *Scope) CloseProtocolOnExit(handle Handle, protocol GUID) {
	s.Defer(func() error {
		if err := s.bs.CloseProtocol(handle, protocol); err != nil {
			return fmt.Errorf("close protocol %s on handle %#x: %w", protocol, uint64(handle), err)
		}
		return nil
	})
}

// CloseFileOnExit closes f when the scope closes.
func (s *Scope) CloseFileOnExit(f File) {
	s.Defer(f.Close)
}

// Close releases every resource in reverse acquisition order. Close is safe
// to call more than once.
func (s *Scope) Close() error {
	var errs []error
	for i := len(s.releases) - 1; i >= 0; i-- {
		if err := s.releases[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.releases = nil
	return errors.Join(errs...)
}
