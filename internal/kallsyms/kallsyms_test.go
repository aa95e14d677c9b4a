package kallsyms

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/kbpf-dev/kbpf/internal/logging"
)

var syms = []byte(`0000000000000001 t hid_generic_probe	[hid_generic]
00000000000000EA t writenote
00000000000000A0 T tcp_connect
00000000000000B0 B empty_zero_page
00000000000000C0 D kimage_vaddr
00000000000000D0 R __start_pci_fixups_early
00000000000000E0 V hv_root_partition
00000000000000F0 W calibrate_delay_is_known
A0000000000000AA a nft_counter_seq	[nft_counter]
A0000000000000BA b bootconfig_found
A0000000000000CA d __func__.10
A0000000000000DA r __ksymtab_LZ4_decompress_fast
A0000000000000EA t writenote
A0000000000000FA T bench_sym	[bench_mod]
A0000000000000FF t __kstrtab_功能	[mod]`)

func TestParseSyms(t *testing.T) {
	r := newReader(bytes.NewReader(syms))
	i := 0
	for ; r.Line(); i++ {
		s, err, skip := parseSymbol(r, nil)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.IsFalse(skip))
		qt.Assert(t, qt.Not(qt.Equals(s.addr, 0)))
		qt.Assert(t, qt.Not(qt.Equals(s.name, "")))
	}
	qt.Assert(t, qt.IsNil(r.Err()))
	qt.Assert(t, qt.Equals(i, 15))
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse(bytes.NewReader([]byte("zzzz T foo\n")), nil)
	qt.Assert(t, qt.ErrorMatches(err, "parsing kallsyms line: parsing address: .*"))

	_, err = Parse(bytes.NewReader([]byte("0000000000000001 T\n")), nil)
	qt.Assert(t, qt.ErrorMatches(err, ".*missing symbol name"))
}

func TestLookup(t *testing.T) {
	table, err := Parse(bytes.NewReader(syms), nil)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(table.Len(), 15))

	for name, addr := range map[string]uint64{
		"hid_generic_probe": 0x1,
		"tcp_connect":       0xA0,
		"bootconfig_found":  0xA0000000000000BA,
		"__kstrtab_功能":      0xA0000000000000FF,
	} {
		got, err := table.Lookup(name)
		qt.Assert(t, qt.IsNil(err), qt.Commentf("%s", name))
		qt.Assert(t, qt.Equals(got, addr), qt.Commentf("%s", name))
	}

	_, err = table.Lookup("writenote")
	qt.Assert(t, qt.ErrorIs(err, ErrAmbiguous))
	_, ok := table.Resolve("writenote")
	qt.Assert(t, qt.IsFalse(ok))

	_, err = table.Lookup("missing")
	qt.Assert(t, qt.ErrorIs(err, ErrNotFound))

	qt.Assert(t, qt.Equals(table.Module("hid_generic_probe"), "hid_generic"))
	qt.Assert(t, qt.Equals(table.Module("tcp_connect"), ""))
}

func TestParseTypes(t *testing.T) {
	table, err := Parse(bytes.NewReader(syms), FunctionTypes)
	qt.Assert(t, qt.IsNil(err))

	_, ok := table.Resolve("kimage_vaddr")
	qt.Assert(t, qt.IsFalse(ok))

	addr, ok := table.Resolve("calibrate_delay_is_known")
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(addr, 0xF0))
}

func TestSymbolize(t *testing.T) {
	table, err := Parse(bytes.NewReader(syms), nil)
	qt.Assert(t, qt.IsNil(err))

	name, off, ok := table.Symbolize(0xA4)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(name, "tcp_connect"))
	qt.Assert(t, qt.Equals(off, 4))

	name, off, ok = table.Symbolize(0xB0)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(name, "empty_zero_page"))
	qt.Assert(t, qt.Equals(off, 0))

	_, _, ok = table.Symbolize(0)
	qt.Assert(t, qt.IsFalse(ok))
}

func TestFileResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kallsyms")
	qt.Assert(t, qt.IsNil(os.WriteFile(path, syms, 0o644)))

	fr, err := NewFileResolver(path, 16, logging.Discard())
	qt.Assert(t, qt.IsNil(err))

	addr, ok := fr.Resolve("tcp_connect")
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(addr, 0xA0))

	// Data symbols aren't probe targets.
	_, ok = fr.Resolve("kimage_vaddr")
	qt.Assert(t, qt.IsFalse(ok))

	// Served from the cache while the file is gone.
	qt.Assert(t, qt.IsNil(os.Remove(path)))
	addr, ok = fr.Resolve("tcp_connect")
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(addr, 0xA0))

	fr.Flush()
	_, ok = fr.Resolve("tcp_connect")
	qt.Assert(t, qt.IsFalse(ok))
}

func TestNewFileResolverInvalidCache(t *testing.T) {
	_, err := NewFileResolver(DefaultPath, 0, nil)
	qt.Assert(t, qt.IsNotNil(err))
}

func BenchmarkParse(b *testing.B) {
	b.ReportAllocs()
	for b.Loop() {
		if _, err := Parse(bytes.NewReader(syms), nil); err != nil {
			b.Fatal(err)
		}
	}
}
