// Package kallsyms resolves kernel symbols from kallsyms-format tables.
package kallsyms

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/kbpf-dev/kbpf/internal/logging"
)

// DefaultPath is where the running kernel exposes its symbols.
const DefaultPath = "/proc/kallsyms"

var (
	ErrAmbiguous = errors.New("multiple kernel symbols with the same name")
	ErrNotFound  = errors.New("kernel symbol not found")
)

// FunctionTypes are the nm(1) types of text symbols.
var FunctionTypes = []rune{'t', 'T', 'w', 'W'}

type ksym struct {
	addr uint64
	name string
	mod  string
}

// Symbols is a parsed symbol table.
type Symbols struct {
	byName map[string]ksym
	// Names seen more than once, with the first address.
	dups map[string]uint64
	// All symbols sorted by address.
	table []ksym
}

// Parse reads a kallsyms-format table from r. Only symbols with one of the
// given nm(1) types are kept; nil keeps everything.
func Parse(r io.Reader, types []rune) (*Symbols, error) {
	syms := &Symbols{
		byName: make(map[string]ksym),
		dups:   make(map[string]uint64),
	}

	rd := newReader(r)
	for rd.Line() {
		s, err, skip := parseSymbol(rd, types)
		if err != nil {
			return nil, fmt.Errorf("parsing kallsyms line: %w", err)
		}
		if skip {
			continue
		}

		if existing, ok := syms.byName[s.name]; ok {
			if _, ok := syms.dups[s.name]; !ok {
				syms.dups[s.name] = existing.addr
			}
		} else {
			syms.byName[s.name] = s
		}
		syms.table = append(syms.table, s)
	}
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("reading kallsyms: %w", err)
	}

	slices.SortStableFunc(syms.table, func(a, b ksym) int {
		switch {
		case a.addr < b.addr:
			return -1
		case a.addr > b.addr:
			return 1
		}
		return 0
	})
	return syms, nil
}

// Len returns the number of symbols in the table.
func (s *Symbols) Len() int {
	return len(s.table)
}

// Lookup returns the address of name.
//
// Returns ErrAmbiguous if the table contains the name more than once rather
// than silently picking one of the addresses.
func (s *Symbols) Lookup(name string) (uint64, error) {
	if first, ok := s.dups[name]; ok {
		return 0, fmt.Errorf("symbol %s(%#x): %w", name, first, ErrAmbiguous)
	}
	sym, ok := s.byName[name]
	if !ok {
		return 0, fmt.Errorf("symbol %s: %w", name, ErrNotFound)
	}
	return sym.addr, nil
}

// Resolve implements link.Resolver. Ambiguous symbols don't resolve.
func (s *Symbols) Resolve(name string) (uint64, bool) {
	addr, err := s.Lookup(name)
	return addr, err == nil
}

// Module returns the kernel module providing name, or the empty string for
// symbols built into the kernel image.
func (s *Symbols) Module(name string) string {
	return s.byName[name].mod
}

// Symbolize returns the symbol containing addr and the offset into it.
func (s *Symbols) Symbolize(addr uint64) (name string, offset uint64, ok bool) {
	i, found := slices.BinarySearchFunc(s.table, addr, func(sym ksym, addr uint64) int {
		switch {
		case sym.addr < addr:
			return -1
		case sym.addr > addr:
			return 1
		}
		return 0
	})
	if !found {
		if i == 0 {
			return "", 0, false
		}
		i--
	}

	sym := s.table[i]
	return sym.name, addr - sym.addr, true
}

// parseSymbol parses a line from /proc/kallsyms into an address, type, name and
// module. Skip will be true if the symbol doesn't match any of the given symbol
// types. See `man 1 nm` for all available types.
//
// Example line: `ffffffffc1682010 T nf_nat_init  [nf_nat]`
func parseSymbol(r *reader, types []rune) (s ksym, err error, skip bool) {
	for i := 0; r.Word(); i++ {
		switch i {
		case 0:
			s.addr, err = strconv.ParseUint(r.Text(), 16, 64)
			if err != nil {
				return s, fmt.Errorf("parsing address: %w", err), false
			}
		case 1:
			if len(types) > 0 && !slices.Contains(types, rune(r.Bytes()[0])) {
				return s, nil, true
			}
		case 2:
			s.name = r.Text()
		case 3:
			s.mod = strings.Trim(r.Text(), "[]")
		}
	}

	if s.name == "" {
		return s, errors.New("missing symbol name"), false
	}
	return s, nil, false
}

// FileResolver resolves symbols by scanning a kallsyms file. Results,
// including misses, are kept in an LRU cache until Flush is called.
type FileResolver struct {
	path  string
	types []rune
	log   logrus.FieldLogger
	cache *lru.Cache[string, uint64]
}

// NewFileResolver creates a resolver for the table at path. cacheSize bounds
// the number of remembered lookups.
func NewFileResolver(path string, cacheSize int, log logrus.FieldLogger) (*FileResolver, error) {
	cache, err := lru.New[string, uint64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("symbol cache: %w", err)
	}
	if log == nil {
		log = logging.DefaultLogger
	}
	return &FileResolver{path, FunctionTypes, log, cache}, nil
}

// Resolve implements link.Resolver. A zero address is reported as not found,
// which is what kallsyms shows to unprivileged readers.
func (fr *FileResolver) Resolve(symbol string) (uint64, bool) {
	if addr, ok := fr.cache.Get(symbol); ok {
		return addr, addr != 0
	}

	addr, err := fr.lookup(symbol)
	if err != nil && !errors.Is(err, ErrNotFound) {
		fr.log.WithError(err).WithField(logging.FieldSymbol, symbol).Warn("Resolving kernel symbol")
		return 0, false
	}

	fr.cache.Add(symbol, addr)
	return addr, addr != 0
}

func (fr *FileResolver) lookup(symbol string) (uint64, error) {
	f, err := os.Open(fr.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	syms, err := Parse(f, fr.types)
	if err != nil {
		return 0, err
	}
	return syms.Lookup(symbol)
}

// Flush forgets all cached lookups, e.g. after a module was loaded.
func (fr *FileResolver) Flush() {
	fr.cache.Purge()
}
