package kernel_test

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sync/errgroup"

	"github.com/kbpf-dev/kbpf"
	"github.com/kbpf-dev/kbpf/internal/logging"
	"github.com/kbpf-dev/kbpf/internal/sys"
	"github.com/kbpf-dev/kbpf/internal/testutils"
	"github.com/kbpf-dev/kbpf/internal/unix"
	"github.com/kbpf-dev/kbpf/kernel"
	"github.com/kbpf-dev/kbpf/link"
	"github.com/kbpf-dev/kbpf/metrics"
	"github.com/kbpf-dev/kbpf/usermem"
)

const myFunc = 0xABCD

type harness struct {
	*kernel.Subsystem
	mem       *usermem.AddressSpace
	registrar *testutils.Registrar
	loader    *testutils.Loader
	metrics   *metrics.Metrics
}

func newHarness(tb testing.TB, opts ...func(*kernel.Config)) *harness {
	tb.Helper()

	h := &harness{
		mem:       usermem.NewAddressSpace(),
		registrar: testutils.NewRegistrar(),
		loader:    new(testutils.Loader),
		metrics:   metrics.New(),
	}
	cfg := kernel.Config{
		Memory: h.mem,
		Resolver: link.Symbols{
			"my_func":     myFunc,
			"do_sys_open": 0x1000,
		},
		Registrar: h.registrar,
		Loader:    h.loader,
		Logger:    logging.Discard(),
		Metrics:   h.metrics,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub, err := kernel.New(cfg)
	qt.Assert(tb, qt.IsNil(err))
	tb.Cleanup(func() { sub.Close() })
	h.Subsystem = sub
	return h
}

// put copies data into a fresh user allocation.
func (h *harness) put(tb testing.TB, data []byte) sys.Pointer {
	tb.Helper()

	addr, err := h.mem.Put(data)
	qt.Assert(tb, qt.IsNil(err))
	return sys.Pointer(addr)
}

func (h *harness) alloc(tb testing.TB, n int) sys.Pointer {
	tb.Helper()

	addr, err := h.mem.Alloc(n)
	qt.Assert(tb, qt.IsNil(err))
	return sys.Pointer(addr)
}

func (h *harness) read(tb testing.TB, ptr sys.Pointer, n int) []byte {
	tb.Helper()

	buf, err := usermem.CopyInBytes(h.mem, uint64(ptr), n)
	qt.Assert(tb, qt.IsNil(err))
	return buf
}

// call encodes rec into user memory and issues cmd.
func (h *harness) call(tb testing.TB, cmd sys.Cmd, rec any) int64 {
	tb.Helper()

	buf, err := sys.Encode(rec)
	qt.Assert(tb, qt.IsNil(err))
	return h.BPF(cmd, uint64(h.put(tb, buf)), uint32(len(buf)))
}

func (h *harness) createMap(tb testing.TB, typ kbpf.MapType, keySize, valueSize, maxEntries uint32) uint32 {
	tb.Helper()

	ret := h.call(tb, sys.BPF_MAP_CREATE, &sys.MapCreateAttr{
		MapType:    uint32(typ),
		KeySize:    keySize,
		ValueSize:  valueSize,
		MaxEntries: maxEntries,
	})
	qt.Assert(tb, qt.IsTrue(ret >= 0), qt.Commentf("map create returned %d", ret))
	return uint32(ret)
}

func (h *harness) attach(tb testing.TB, target string, fd uint32) int64 {
	tb.Helper()

	return h.call(tb, sys.BPF_PROG_ATTACH, &sys.KprobeAttachAttr{
		Target: h.put(tb, []byte(target)),
		StrLen: uint32(len(target)),
		ProgFd: fd,
	})
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func errno(e unix.Errno) int64 {
	return -int64(e)
}

func TestArrayMapScenario(t *testing.T) {
	h := newHarness(t)

	fd := h.createMap(t, kbpf.Array, 4, 8, 4)
	qt.Assert(t, qt.Equals(fd, 3))

	value := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_MAP_UPDATE_ELEM, &sys.MapOpAttr{
		MapFd: fd,
		Key:   h.put(t, u32(2)),
		Value: h.put(t, value),
	}), 0))

	out := h.alloc(t, 8)
	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_MAP_LOOKUP_ELEM, &sys.MapOpAttr{
		MapFd: fd,
		Key:   h.put(t, u32(2)),
		Value: out,
	}), 0))
	qt.Assert(t, qt.DeepEquals(h.read(t, out, 8), value))

	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_MAP_LOOKUP_ELEM, &sys.MapOpAttr{
		MapFd: fd,
		Key:   h.put(t, u32(9)),
		Value: out,
	}), errno(unix.ENOENT)))

	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_OBJ_CLOSE, &sys.ObjCloseAttr{Fd: fd}), 0))

	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_MAP_LOOKUP_ELEM, &sys.MapOpAttr{
		MapFd: fd,
		Key:   h.put(t, u32(2)),
		Value: out,
	}), errno(unix.ENOENT)))
}

func TestArrayLookupTotal(t *testing.T) {
	h := newHarness(t)
	fd := h.createMap(t, kbpf.Array, 4, 4, 16)

	for i := uint32(0); i < 20; i++ {
		_, err := h.LookupElem(fd, u32(i))
		if i < 16 {
			qt.Assert(t, qt.IsNil(err))
		} else {
			qt.Assert(t, qt.ErrorIs(err, kbpf.ErrKeyNotExist))
		}
	}
}

func TestHashMapTraversal(t *testing.T) {
	h := newHarness(t)
	fd := h.createMap(t, kbpf.Hash, 4, 4, 8)

	want := map[uint32]bool{}
	for _, k := range []uint32{7, 1, 42, 3} {
		qt.Assert(t, qt.IsNil(h.UpdateElem(fd, u32(k), u32(k*10), kbpf.UpdateAny)))
		want[k] = true
	}

	next := h.alloc(t, 4)
	var key sys.Pointer
	seen := map[uint32]bool{}
	for {
		ret := h.call(t, sys.BPF_MAP_GET_NEXT_KEY, &sys.MapOpAttr{MapFd: fd, Key: key, Value: next})
		if ret == errno(unix.ENOENT) {
			break
		}
		qt.Assert(t, qt.Equals(ret, 0))

		k := binary.LittleEndian.Uint32(h.read(t, next, 4))
		qt.Assert(t, qt.IsFalse(seen[k]), qt.Commentf("key %d visited twice", k))
		seen[k] = true
		key = h.put(t, u32(k))
	}
	qt.Assert(t, qt.DeepEquals(seen, want))
}

func TestHashMapCapacity(t *testing.T) {
	h := newHarness(t)
	fd := h.createMap(t, kbpf.Hash, 4, 4, 2)

	update := func(k uint32, flags kbpf.MapUpdateFlags) int64 {
		return h.call(t, sys.BPF_MAP_UPDATE_ELEM, &sys.MapOpAttr{
			MapFd: fd,
			Key:   h.put(t, u32(k)),
			Value: h.put(t, u32(k)),
			Flags: uint64(flags),
		})
	}

	qt.Assert(t, qt.Equals(update(1, kbpf.UpdateAny), 0))
	qt.Assert(t, qt.Equals(update(2, kbpf.UpdateNoExist), 0))
	qt.Assert(t, qt.Equals(update(3, kbpf.UpdateAny), errno(unix.E2BIG)))
	qt.Assert(t, qt.Equals(update(2, kbpf.UpdateNoExist), errno(unix.EEXIST)))
	qt.Assert(t, qt.Equals(update(3, kbpf.UpdateExist), errno(unix.ENOENT)))
	qt.Assert(t, qt.Equals(update(2, 42), errno(unix.EINVAL)))

	_, err := h.LookupElem(fd, u32(3))
	qt.Assert(t, qt.ErrorIs(err, kbpf.ErrKeyNotExist))

	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_MAP_DELETE_ELEM, &sys.MapOpAttr{
		MapFd: fd,
		Key:   h.put(t, u32(1)),
	}), 0))
	qt.Assert(t, qt.Equals(update(3, kbpf.UpdateAny), 0))
}

func TestAttachScenario(t *testing.T) {
	h := newHarness(t)

	firstRunner := new(testutils.Runner)
	fd, err := h.AddProgram("first", firstRunner)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(fd, 3))

	qt.Assert(t, qt.Equals(h.attach(t, "kprobe$my_func", fd), 0))
	qt.Assert(t, qt.Equals(h.attach(t, "kprobe$my_func", fd), errno(unix.EEXIST)))
	qt.Assert(t, qt.Equals(h.registrar.Registrations, 1))

	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_PROG_DETACH, &sys.ProgDetachAttr{ProgFd: fd}), 0))
	_, err = h.Objects().Get(fd)
	qt.Assert(t, qt.ErrorIs(err, kbpf.ErrNotExist))
	qt.Assert(t, qt.Equals(firstRunner.Closed(), 1))

	secondRunner := new(testutils.Runner)
	fd, err = h.AddProgram("second", secondRunner)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(h.attach(t, "kprobe$my_func", fd), 0))
	qt.Assert(t, qt.Equals(h.registrar.Registrations, 1))

	h.registrar.Hit(myFunc, nil)
	qt.Assert(t, qt.HasLen(firstRunner.Runs(), 0))
	qt.Assert(t, qt.HasLen(secondRunner.Runs(), 1))
}

func TestAttachKretprobePairing(t *testing.T) {
	h := newHarness(t)

	afd, err := h.AddProgram("a", new(testutils.Runner))
	qt.Assert(t, qt.IsNil(err))
	bfd, err := h.AddProgram("b", new(testutils.Runner))
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.Equals(h.attach(t, "kretprobe@entry$do_sys_open", afd), 0))
	qt.Assert(t, qt.HasLen(h.Engine().Tracepoints(), 2))

	progs, ok := h.Engine().Programs(link.Tracepoint{Type: link.KRetProbeExit, Token: 0x1000})
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.HasLen(progs, 0))

	qt.Assert(t, qt.Equals(h.attach(t, "kretprobe@exit$do_sys_open", bfd), 0))
	qt.Assert(t, qt.Equals(h.registrar.Registrations, 1))
}

func TestLookupElemReturnsCopy(t *testing.T) {
	h := newHarness(t)
	fd := h.createMap(t, kbpf.Hash, 4, 4, 1)
	qt.Assert(t, qt.IsNil(h.UpdateElem(fd, u32(1), u32(10), kbpf.UpdateAny)))

	first, err := h.LookupElem(fd, u32(1))
	qt.Assert(t, qt.IsNil(err))
	second, err := h.LookupElem(fd, u32(1))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, testutils.IsCopy(first, second))

	first[0] = 0xff
	third, err := h.LookupElem(fd, u32(1))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, testutils.IsCopy(third, u32(10)))
}

func TestOversizedRequests(t *testing.T) {
	h := newHarness(t)
	fd, err := h.AddProgram("a", new(testutils.Runner))
	qt.Assert(t, qt.IsNil(err))

	// Lengths are checked before anything is copied from user memory.
	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_PROG_ATTACH, &sys.KprobeAttachAttr{
		Target: 0x10,
		StrLen: 0xffffffff,
		ProgFd: fd,
	}), errno(unix.EINVAL)))
	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_PROG_ATTACH, &sys.KprobeAttachAttr{
		Target: 0x10,
		StrLen: 16,
		ProgFd: fd,
	}), errno(unix.EFAULT)))

	long := "kprobe$" + strings.Repeat("a", 600)
	qt.Assert(t, qt.Equals(h.attach(t, long, fd), errno(unix.EINVAL)))
	qt.Assert(t, qt.Equals(h.registrar.Registrations, 0))

	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_MAP_CREATE, &sys.MapCreateAttr{
		MapType:    uint32(kbpf.Hash),
		KeySize:    1 << 31,
		ValueSize:  1 << 31,
		MaxEntries: 1,
	}), errno(unix.EINVAL)))
	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_MAP_CREATE, &sys.MapCreateAttr{
		MapType:    uint32(kbpf.Hash),
		KeySize:    4,
		ValueSize:  kbpf.MaxValueSize + 1,
		MaxEntries: 1,
	}), errno(unix.EINVAL)))
	qt.Assert(t, qt.Equals(h.Objects().Len(), 1))
}

func TestAttachReleasesLastReference(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	var (
		h  *harness
		fd uint32
	)
	h = newHarness(t, func(cfg *kernel.Config) {
		cfg.Logger = logger
		// Closes fd while the attach is in flight.
		cfg.Resolver = link.ResolverFunc(func(string) (uint64, bool) {
			qt.Check(t, qt.IsNil(h.CloseFD(fd)))
			return 0, false
		})
	})

	runner := &testutils.Runner{CloseErr: errors.New("busy")}
	fd, err := h.AddProgram("a", runner)
	qt.Assert(t, qt.IsNil(err))

	err = h.Attach("kprobe$my_func", fd)
	qt.Assert(t, qt.ErrorIs(err, kbpf.ErrNotExist))
	qt.Assert(t, qt.Equals(runner.Closed(), 1))

	entry := hook.LastEntry()
	qt.Assert(t, qt.IsNotNil(entry))
	qt.Assert(t, qt.Equals(entry.Level, logrus.WarnLevel))
	qt.Assert(t, qt.Equals(entry.Message, "Releasing program"))
	qt.Assert(t, qt.ErrorMatches(entry.Data[logrus.ErrorKey].(error), "busy"))
}

func TestCloseKeepsAttachment(t *testing.T) {
	h := newHarness(t)

	runner := new(testutils.Runner)
	fd, err := h.AddProgram("a", runner)
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.IsNil(h.Attach("kprobe$my_func", fd)))
	qt.Assert(t, qt.IsNil(h.CloseFD(fd)))

	h.registrar.Hit(myFunc, nil)
	qt.Assert(t, qt.HasLen(runner.Runs(), 1))
	qt.Assert(t, qt.Equals(runner.Closed(), 0))

	qt.Assert(t, qt.IsNil(h.Close()))
	qt.Assert(t, qt.Equals(runner.Closed(), 1))
	qt.Assert(t, qt.Equals(h.registrar.Probes(), 0))
}

func TestDetachUnattached(t *testing.T) {
	h := newHarness(t)

	fd, err := h.AddProgram("a", new(testutils.Runner))
	qt.Assert(t, qt.IsNil(err))

	err = h.Detach(fd)
	qt.Assert(t, qt.ErrorIs(err, kbpf.ErrNotExist))
	_, err = h.Objects().Program(fd)
	qt.Assert(t, qt.IsNil(err), qt.Commentf("fd must stay open"))
}

func TestErrnoMapping(t *testing.T) {
	h := newHarness(t, func(cfg *kernel.Config) {
		cfg.MaxObjects = 3
	})

	mapFD := h.createMap(t, kbpf.Hash, 4, 4, 1)
	progFD, err := h.AddProgram("a", new(testutils.Runner))
	qt.Assert(t, qt.IsNil(err))

	for _, tc := range []struct {
		name string
		ret  func() int64
		want unix.Errno
	}{
		{"unknown command", func() int64 { return h.BPF(sys.Cmd(77), 0, 0) }, unix.EINVAL},
		{"short record", func() int64 {
			return h.BPF(sys.BPF_MAP_CREATE, uint64(h.put(t, make([]byte, 8))), 8)
		}, unix.EINVAL},
		{"record fault", func() int64 { return h.BPF(sys.BPF_MAP_CREATE, 0, 16) }, unix.EFAULT},
		{"plain prog load", func() int64 { return h.BPF(sys.BPF_PROG_LOAD, 0, 0) }, unix.EOPNOTSUPP},
		{"bad map type", func() int64 {
			return h.call(t, sys.BPF_MAP_CREATE, &sys.MapCreateAttr{MapType: 99, KeySize: 4, ValueSize: 4, MaxEntries: 1})
		}, unix.EINVAL},
		{"array key size", func() int64 {
			return h.call(t, sys.BPF_MAP_CREATE, &sys.MapCreateAttr{MapType: uint32(kbpf.Array), KeySize: 8, ValueSize: 4, MaxEntries: 1})
		}, unix.EINVAL},
		{"unknown fd", func() int64 {
			return h.call(t, sys.BPF_MAP_LOOKUP_ELEM, &sys.MapOpAttr{MapFd: 99})
		}, unix.ENOENT},
		{"program fd as map", func() int64 {
			return h.call(t, sys.BPF_MAP_LOOKUP_ELEM, &sys.MapOpAttr{MapFd: progFD})
		}, unix.ENOENT},
		{"key fault", func() int64 {
			return h.call(t, sys.BPF_MAP_LOOKUP_ELEM, &sys.MapOpAttr{MapFd: mapFD, Key: 0x8})
		}, unix.EFAULT},
		{"missing key", func() int64 {
			return h.call(t, sys.BPF_MAP_DELETE_ELEM, &sys.MapOpAttr{MapFd: mapFD, Key: h.put(t, u32(1))})
		}, unix.ENOENT},
		{"empty map next key", func() int64 {
			return h.call(t, sys.BPF_MAP_GET_NEXT_KEY, &sys.MapOpAttr{MapFd: mapFD, Value: h.alloc(t, 4)})
		}, unix.ENOENT},
		{"map fd as program", func() int64 { return h.attach(t, "kprobe$my_func", mapFD) }, unix.ENOENT},
		{"unresolved symbol", func() int64 { return h.attach(t, "kprobe$nope", progFD) }, unix.ENOENT},
		{"bad target", func() int64 { return h.attach(t, "uprobe$my_func", progFD) }, unix.EINVAL},
		{"invalid utf-8 target", func() int64 { return h.attach(t, "kprobe$\xff", progFD) }, unix.EINVAL},
		{"detach unattached", func() int64 {
			return h.call(t, sys.BPF_PROG_DETACH, &sys.ProgDetachAttr{ProgFd: progFD})
		}, unix.ENOENT},
		{"close unknown fd", func() int64 { return h.call(t, sys.BPF_OBJ_CLOSE, &sys.ObjCloseAttr{Fd: 1}) }, unix.ENOENT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			qt.Assert(t, qt.Equals(tc.ret(), errno(tc.want)))
		})
	}

	// The table holds two objects, a third one fits.
	h.createMap(t, kbpf.Array, 4, 4, 1)
	ret := h.call(t, sys.BPF_MAP_CREATE, &sys.MapCreateAttr{MapType: uint32(kbpf.Array), KeySize: 4, ValueSize: 4, MaxEntries: 1})
	qt.Assert(t, qt.Equals(ret, errno(unix.EMFILE)))
}

func TestCollapseErrors(t *testing.T) {
	h := newHarness(t, func(cfg *kernel.Config) {
		cfg.CollapseErrors = true
	})

	qt.Assert(t, qt.Equals(h.BPF(sys.Cmd(77), 0, 0), -1))
	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_OBJ_CLOSE, &sys.ObjCloseAttr{Fd: 3}), -1))

	fd := h.createMap(t, kbpf.Array, 4, 4, 1)
	qt.Assert(t, qt.Equals(fd, 3))
	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_OBJ_CLOSE, &sys.ObjCloseAttr{Fd: fd}), 0))
}

func TestSegmentedRecord(t *testing.T) {
	h := newHarness(t)
	fd := h.createMap(t, kbpf.Array, 4, 8, 4)

	// Place every buffer so that it straddles a page boundary.
	base := uint64(0x4000_0000)
	place := func(data []byte) sys.Pointer {
		addr := base - uint64(len(data)/2)
		base += 4 * usermem.PageSize
		qt.Assert(t, qt.IsNil(h.mem.Map(addr, len(data))))
		qt.Assert(t, qt.IsNil(h.mem.CopyOut(addr, data)))
		return sys.Pointer(addr)
	}

	value := []byte("segments")
	rec, err := sys.Encode(&sys.MapOpAttr{
		MapFd: fd,
		Key:   place(u32(1)),
		Value: place(value),
	})
	qt.Assert(t, qt.IsNil(err))

	ret := h.BPF(sys.BPF_MAP_UPDATE_ELEM, uint64(place(rec)), uint32(len(rec)))
	qt.Assert(t, qt.Equals(ret, 0))

	got, err := h.LookupElem(fd, u32(1))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(got, value))
}

func TestProgLoadEx(t *testing.T) {
	h := newHarness(t)
	counts := h.createMap(t, kbpf.Hash, 4, 8, 16)
	config := h.createMap(t, kbpf.Array, 4, 4, 1)

	entries := []sys.MapFdEntry{
		{Name: h.put(t, []byte("counts\x00")), Fd: counts},
		{Name: h.put(t, []byte("config\x00")), Fd: config},
	}
	var array []byte
	for i := range entries {
		buf, err := sys.Encode(&entries[i])
		qt.Assert(t, qt.IsNil(err))
		array = append(array, buf...)
	}

	elf := []byte("\x7fELF program")
	fd := h.call(t, sys.BPF_PROG_LOAD_EX, &sys.ProgLoadExAttr{
		ElfProg:     h.put(t, elf),
		ElfSize:     uint32(len(elf)),
		MapArray:    h.put(t, array),
		MapArrayLen: uint32(len(entries)),
	})
	qt.Assert(t, qt.Equals(fd, 5))

	loads := h.loader.Loads()
	qt.Assert(t, qt.HasLen(loads, 1))
	qt.Assert(t, qt.DeepEquals(loads[0].ELF, elf))
	qt.Assert(t, qt.HasLen(loads[0].Maps, 2))
	qt.Assert(t, qt.Equals(loads[0].Maps[0].Name, "counts"))
	qt.Assert(t, qt.Equals(loads[0].Maps[0].FD, counts))
	qt.Assert(t, qt.Equals(loads[0].Maps[1].Name, "config"))
	qt.Assert(t, qt.Equals(loads[0].Maps[1].Map.Attr().Type, kbpf.Array))

	// The loaded program can be attached and run.
	qt.Assert(t, qt.Equals(h.attach(t, "kprobe$my_func", uint32(fd)), 0))
	h.registrar.Hit(myFunc, nil)
	qt.Assert(t, qt.HasLen(loads[0].Runner.Runs(), 1))
}

func TestProgLoadExErrors(t *testing.T) {
	h := newHarness(t)

	load := func(maps []sys.MapFdEntry) int64 {
		var array []byte
		for i := range maps {
			buf, err := sys.Encode(&maps[i])
			qt.Assert(t, qt.IsNil(err))
			array = append(array, buf...)
		}
		return h.call(t, sys.BPF_PROG_LOAD_EX, &sys.ProgLoadExAttr{
			ElfProg:     h.put(t, []byte("elf")),
			ElfSize:     3,
			MapArray:    h.put(t, array),
			MapArrayLen: uint32(len(maps)),
		})
	}

	qt.Assert(t, qt.Equals(load([]sys.MapFdEntry{
		{Name: h.put(t, []byte("missing\x00")), Fd: 42},
	}), errno(unix.ENOENT)))

	qt.Assert(t, qt.Equals(load([]sys.MapFdEntry{
		{Name: 0x10, Fd: 42},
	}), errno(unix.EFAULT)))

	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_PROG_LOAD_EX, &sys.ProgLoadExAttr{
		ElfSize: 1 << 30,
	}), errno(unix.EINVAL)))

	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_PROG_LOAD_EX, &sys.ProgLoadExAttr{
		MapArray:    0x10,
		MapArrayLen: 1000,
	}), errno(unix.EFAULT)))

	qt.Assert(t, qt.Equals(h.call(t, sys.BPF_PROG_LOAD_EX, &sys.ProgLoadExAttr{
		MapArrayLen: 1 << 20,
	}), errno(unix.EINVAL)))

	h.loader.Err = errors.New("verifier says no")
	qt.Assert(t, qt.Equals(load(nil), errno(unix.EINVAL)))

	noLoader := newHarness(t, func(cfg *kernel.Config) {
		cfg.Loader = nil
	})
	qt.Assert(t, qt.Equals(noLoader.call(t, sys.BPF_PROG_LOAD_EX, &sys.ProgLoadExAttr{}), errno(unix.EOPNOTSUPP)))

	qt.Assert(t, qt.Equals(h.Objects().Len(), 0))
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	_, err := kernel.New(kernel.Config{Registrar: testutils.NewRegistrar()})
	qt.Assert(t, qt.ErrorMatches(err, "invalid config: missing symbol resolver"))

	_, err = kernel.New(kernel.Config{Resolver: link.Symbols{}})
	qt.Assert(t, qt.ErrorMatches(err, "invalid config: missing probe registrar"))
}

func TestMetrics(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewPedanticRegistry()
	qt.Assert(t, qt.IsNil(h.metrics.Register(reg)))

	fd := h.createMap(t, kbpf.Hash, 4, 4, 1)
	h.call(t, sys.BPF_MAP_DELETE_ELEM, &sys.MapOpAttr{MapFd: fd, Key: h.put(t, u32(1))})

	qt.Assert(t, qt.Equals(testutil.ToFloat64(h.metrics.Commands.WithLabelValues("BPF_MAP_CREATE", "ok")), 1))
	qt.Assert(t, qt.Equals(testutil.ToFloat64(h.metrics.Commands.WithLabelValues("BPF_MAP_DELETE_ELEM", "ENOENT")), 1))
	qt.Assert(t, qt.Equals(testutil.ToFloat64(h.metrics.MapOps.WithLabelValues("delete", "ENOENT")), 1))
	qt.Assert(t, qt.Equals(testutil.ToFloat64(h.metrics.Objects.WithLabelValues("map")), 1))

	qt.Assert(t, qt.IsNil(h.CloseFD(fd)))
	qt.Assert(t, qt.Equals(testutil.ToFloat64(h.metrics.Objects.WithLabelValues("map")), 0))
}

func TestConcurrentMapOps(t *testing.T) {
	h := newHarness(t)

	var fds []uint32
	for range 4 {
		fds = append(fds, h.createMap(t, kbpf.Hash, 4, 4, 64))
	}

	var eg errgroup.Group
	for _, fd := range fds {
		for worker := range 4 {
			eg.Go(func() error {
				for i := range 16 {
					k := uint32(worker*16 + i)
					if err := h.UpdateElem(fd, u32(k), u32(k), kbpf.UpdateNoExist); err != nil {
						return err
					}
					if _, err := h.LookupElem(fd, u32(k)); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}
	qt.Assert(t, qt.IsNil(eg.Wait()))

	for _, fd := range fds {
		m, err := h.Objects().Map(fd)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(m.Len(), 64))
	}
}
