package link

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestSymbols(t *testing.T) {
	syms := Symbols{"my_func": 0xabcd}

	addr, ok := syms.Resolve("my_func")
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(addr, 0xabcd))

	_, ok = syms.Resolve("other")
	qt.Assert(t, qt.IsFalse(ok))
}

func TestLocalRegistrarKprobe(t *testing.T) {
	r := NewLocalRegistrar()

	var hits []uint64
	p, err := r.RegisterKprobe(0x10, func(addr uint64, frame []byte) {
		hits = append(hits, addr)
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(r.Probes(), 1))

	_, err = r.RegisterKprobe(0x10, func(uint64, []byte) {})
	qt.Assert(t, qt.ErrorMatches(err, "address 0x10 already probed"))

	qt.Assert(t, qt.IsTrue(r.Hit(0x10, nil)))
	qt.Assert(t, qt.IsFalse(r.Hit(0x20, nil)))
	qt.Assert(t, qt.IsFalse(r.HitEntry(0x10, nil)), qt.Commentf("kprobe isn't a kretprobe"))
	qt.Assert(t, qt.DeepEquals(hits, []uint64{0x10}))

	qt.Assert(t, qt.IsNil(p.Close()))
	qt.Assert(t, qt.Equals(r.Probes(), 0))
	qt.Assert(t, qt.IsFalse(r.Hit(0x10, nil)))
	qt.Assert(t, qt.ErrorMatches(p.Close(), "probe at 0x10 already unregistered"))
}

func TestLocalRegistrarKretprobe(t *testing.T) {
	r := NewLocalRegistrar()

	var calls []string
	p, err := r.RegisterKretprobe(0x10,
		func(uint64, []byte) { calls = append(calls, "entry") },
		func(uint64, []byte) { calls = append(calls, "exit") },
	)
	qt.Assert(t, qt.IsNil(err))

	// A kprobe at the same address is a separate registration.
	_, err = r.RegisterKprobe(0x10, func(uint64, []byte) { calls = append(calls, "kprobe") })
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(r.Probes(), 2))

	qt.Assert(t, qt.IsTrue(r.HitEntry(0x10, nil)))
	qt.Assert(t, qt.IsTrue(r.Hit(0x10, nil)))
	qt.Assert(t, qt.IsTrue(r.HitExit(0x10, nil)))
	qt.Assert(t, qt.DeepEquals(calls, []string{"entry", "kprobe", "exit"}))

	qt.Assert(t, qt.IsNil(p.Close()))
	qt.Assert(t, qt.IsFalse(r.HitExit(0x10, nil)))
	qt.Assert(t, qt.Equals(r.Probes(), 1))
}

func TestLocalRegistrarReentrantHit(t *testing.T) {
	r := NewLocalRegistrar()

	var inner bool
	_, err := r.RegisterKprobe(0x20, func(uint64, []byte) { inner = true })
	qt.Assert(t, qt.IsNil(err))
	_, err = r.RegisterKprobe(0x10, func(uint64, []byte) {
		qt.Check(t, qt.IsTrue(r.Hit(0x20, nil)))
	})
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.IsTrue(r.Hit(0x10, nil)))
	qt.Assert(t, qt.IsTrue(inner))
}
