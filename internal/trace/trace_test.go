package trace

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func readAll(t *testing.T, r *Reader, f Filter) []Entry {
	t.Helper()
	var out []Entry
	if err := r.Each(f, func(e Entry) error {
		out = append(out, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	return out
}

func TestLogRoundTrip(t *testing.T) {
	buf := new(Buffer)
	log := New(buf)
	clock := time.Unix(1700000000, 0)
	log.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	display := log.Source("display")
	kernel := log.Source("kernel")
	if err := display.Writef("mode %dx%d", 1024, 768); err != nil {
		t.Fatalf("Writef: %v", err)
	}
	if err := kernel.WriteBytes([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := kernel.Write(""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(buf, buf.Size())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got := readAll(t, r, Filter{})
	want := []Entry{
		{Time: time.Unix(1700000000, 1e6), Kind: KindString, Source: "display", Data: []byte("mode 1024x768")},
		{Time: time.Unix(1700000000, 2e6), Kind: KindBytes, Source: "kernel", Data: []byte{1, 2, 3}},
		{Time: time.Unix(1700000000, 3e6), Kind: KindString, Source: "kernel", Data: []byte{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"display", "kernel"}, r.Sources()); diff != "" {
		t.Fatalf("Sources (-want +got):\n%s", diff)
	}
	lo, hi := r.TimeRange()
	if !lo.Equal(want[0].Time) || !hi.Equal(want[2].Time) {
		t.Fatalf("TimeRange = %v, %v", lo, hi)
	}
}

func TestFilter(t *testing.T) {
	buf := new(Buffer)
	log := New(buf)
	for i := range 6 {
		src := "memory-map"
		if i%2 == 0 {
			src = "kernel"
		}
		log.Source(src).Writef("%d", i)
	}
	r, err := NewReader(buf, buf.Size())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	data := func(es []Entry) []string {
		var out []string
		for _, e := range es {
			out = append(out, string(e.Data))
		}
		return out
	}
	if diff := cmp.Diff([]string{"0", "2", "4"}, data(readAll(t, r, Filter{Source: regexp.MustCompile("^kern")}))); diff != "" {
		t.Fatalf("source filter (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"0", "1"}, data(readAll(t, r, Filter{Limit: 2}))); diff != "" {
		t.Fatalf("limit (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"3", "5"}, data(readAll(t, r, Filter{Source: regexp.MustCompile("memory"), Limit: 2, Tail: true}))); diff != "" {
		t.Fatalf("tail (-want +got):\n%s", diff)
	}

	n := 0
	if err := r.Each(Filter{}, func(Entry) error {
		n++
		return ErrStop
	}); err != nil || n != 1 {
		t.Fatalf("Each with ErrStop = %d entries, %v", n, err)
	}
}

func TestConcurrentWritersDoNotOverlap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.trace")
	log, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := log.Source(fmt.Sprintf("writer-%d", w))
			for i := range 25 {
				if err := src.Writef("entry %d", i); err != nil {
					t.Errorf("Writef: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, closer, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closer.Close()
	if r.Len() != 100 {
		t.Fatalf("Len = %d, want 100", r.Len())
	}
	counts := map[string]int{}
	for _, e := range readAll(t, r, Filter{}) {
		counts[e.Source]++
	}
	for w := range 4 {
		if n := counts[fmt.Sprintf("writer-%d", w)]; n != 25 {
			t.Fatalf("writer-%d has %d entries", w, n)
		}
	}
}

func TestNilLogDiscards(t *testing.T) {
	var log *Log
	if err := log.Source("x").Write("dropped"); err != nil {
		t.Fatalf("Write on nil log: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close on nil log: %v", err)
	}
}
