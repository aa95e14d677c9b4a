package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kbpf-dev/kbpf"
	"github.com/kbpf-dev/kbpf/internal/kallsyms"
	"github.com/kbpf-dev/kbpf/internal/sys"
	"github.com/kbpf-dev/kbpf/internal/unix"
	"github.com/kbpf-dev/kbpf/kernel"
	"github.com/kbpf-dev/kbpf/link"
	"github.com/kbpf-dev/kbpf/metrics"
	"github.com/kbpf-dev/kbpf/usermem"
)

const symbolCacheSize = 1024

func newReplayCmd(logger func() logrus.FieldLogger) *cobra.Command {
	var printMetrics bool

	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Run a scenario of bpf commands and probe hits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			sc, err := readScenario(f)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			r, err := newReplayer(sc, logger(), reg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer r.close()

			if err := r.run(sc.Steps); err != nil {
				return err
			}
			if printMetrics {
				return writeMetrics(cmd.OutOrStdout(), reg)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printMetrics, "metrics", false, "Print metrics after the replay")
	return cmd
}

// replayer executes scenario steps through the raw bpf(2) entry point.
type replayer struct {
	sub       *kernel.Subsystem
	mem       *usermem.AddressSpace
	registrar *link.LocalRegistrar
	resolver  link.Resolver
	log       logrus.FieldLogger
	out       io.Writer
}

func newReplayer(sc *scenario, log logrus.FieldLogger, reg prometheus.Registerer, out io.Writer) (*replayer, error) {
	symbols := link.Symbols(sc.Symbols)
	var resolver link.Resolver = symbols
	if sc.Kallsyms != "" {
		fr, err := kallsyms.NewFileResolver(sc.Kallsyms, symbolCacheSize, log)
		if err != nil {
			return nil, err
		}
		// Symbols listed in the scenario take precedence over the file.
		resolver = link.ResolverFunc(func(symbol string) (uint64, bool) {
			if addr, ok := symbols.Resolve(symbol); ok {
				return addr, true
			}
			return fr.Resolve(symbol)
		})
	}

	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return nil, errors.Wrap(err, "register metrics")
	}

	r := &replayer{
		mem:       usermem.NewAddressSpace(),
		registrar: link.NewLocalRegistrar(),
		resolver:  resolver,
		log:       log,
		out:       out,
	}

	sub, err := kernel.New(kernel.Config{
		Memory:         r.mem,
		Resolver:       resolver,
		Registrar:      r.registrar,
		Loader:         counterLoader{},
		Logger:         log,
		Metrics:        m,
		MaxObjects:     sc.MaxObjects,
		CollapseErrors: sc.CollapseErrors,
	})
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

func (r *replayer) close() {
	if err := r.sub.Close(); err != nil {
		r.log.WithError(err).Warn("Closing subsystem")
	}
}

func (r *replayer) run(steps []step) error {
	for i := range steps {
		if err := r.step(i, &steps[i]); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func (r *replayer) step(i int, st *step) error {
	if st.Hit != nil {
		return r.hit(i, st.Hit)
	}

	cmd, rec, out, outLen, err := r.record(st)
	if err != nil {
		return err
	}

	buf, err := sys.Encode(rec)
	if err != nil {
		return err
	}
	addr, err := r.mem.Put(buf)
	if err != nil {
		return err
	}

	ret := r.sub.BPF(cmd, addr, uint32(len(buf)))
	fmt.Fprintf(r.out, "%-3d %-21s = %s\n", i, cmd, result(ret))

	if st.Expect != nil && ret != *st.Expect {
		return fmt.Errorf("%s returned %d, expected %d", cmd, ret, *st.Expect)
	}
	if ret < 0 || out == 0 {
		return nil
	}

	value, err := usermem.CopyInBytes(r.mem, out, outLen)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "    %s\n", hexBytes(value))

	if st.ExpectValue != nil && string(value) != string(st.ExpectValue) {
		return fmt.Errorf("got value %s, expected %s", hexBytes(value), st.ExpectValue)
	}
	return nil
}

func result(ret int64) string {
	if ret >= 0 {
		return fmt.Sprint(ret)
	}
	return fmt.Sprintf("%d (%s)", ret, unix.ErrnoName(unix.Errno(-ret)))
}

// record builds the bpf(2) record for st, copying its buffers into user
// memory. out and outLen describe where the command copies its result.
func (r *replayer) record(st *step) (cmd sys.Cmd, rec any, out uint64, outLen int, err error) {
	switch {
	case st.MapCreate != nil:
		mc := st.MapCreate
		return sys.BPF_MAP_CREATE, &sys.MapCreateAttr{
			MapType:    uint32(mc.Type),
			KeySize:    mc.KeySize,
			ValueSize:  mc.ValueSize,
			MaxEntries: mc.MaxEntries,
		}, 0, 0, nil

	case st.Lookup != nil:
		attr, err := r.mapOp(st.Lookup)
		if err != nil {
			return 0, nil, 0, 0, err
		}
		size := r.valueSize(st.Lookup.FD)
		attr.Value, err = r.alloc(size)
		return sys.BPF_MAP_LOOKUP_ELEM, attr, uint64(attr.Value), size, err

	case st.Update != nil:
		attr, err := r.mapOp(st.Update)
		return sys.BPF_MAP_UPDATE_ELEM, attr, 0, 0, err

	case st.Delete != nil:
		attr, err := r.mapOp(st.Delete)
		return sys.BPF_MAP_DELETE_ELEM, attr, 0, 0, err

	case st.NextKey != nil:
		attr, err := r.mapOp(st.NextKey)
		if err != nil {
			return 0, nil, 0, 0, err
		}
		size := r.keySize(st.NextKey.FD)
		attr.Value, err = r.alloc(size)
		return sys.BPF_MAP_GET_NEXT_KEY, attr, uint64(attr.Value), size, err

	case st.Load != nil:
		attr, err := r.load(st.Load)
		return sys.BPF_PROG_LOAD_EX, attr, 0, 0, err

	case st.Attach != nil:
		target, err := r.put([]byte(st.Attach.Target))
		return sys.BPF_PROG_ATTACH, &sys.KprobeAttachAttr{
			Target: target,
			StrLen: uint32(len(st.Attach.Target)),
			ProgFd: st.Attach.FD,
		}, 0, 0, err

	case st.Detach != nil:
		return sys.BPF_PROG_DETACH, &sys.ProgDetachAttr{ProgFd: st.Detach.FD}, 0, 0, nil

	case st.Close != nil:
		return sys.BPF_OBJ_CLOSE, &sys.ObjCloseAttr{Fd: st.Close.FD}, 0, 0, nil
	}

	return 0, nil, 0, 0, errors.New("empty step")
}

func (r *replayer) put(data []byte) (sys.Pointer, error) {
	if data == nil {
		return 0, nil
	}
	addr, err := r.mem.Put(data)
	return sys.Pointer(addr), err
}

func (r *replayer) alloc(n int) (sys.Pointer, error) {
	addr, err := r.mem.Alloc(n)
	return sys.Pointer(addr), err
}

func (r *replayer) mapOp(op *mapOpStep) (*sys.MapOpAttr, error) {
	key, err := r.put(op.Key)
	if err != nil {
		return nil, err
	}
	value, err := r.put(op.Value)
	if err != nil {
		return nil, err
	}
	return &sys.MapOpAttr{
		MapFd: op.FD,
		Key:   key,
		Value: value,
		Flags: uint64(op.Flags),
	}, nil
}

// valueSize and keySize peek at the map to size output buffers. Unknown fds
// get a minimal buffer, the command itself reports the error.
func (r *replayer) valueSize(fd uint32) int {
	if m, err := r.sub.Objects().Map(fd); err == nil {
		return int(m.Attr().ValueSize)
	}
	return 1
}

func (r *replayer) keySize(fd uint32) int {
	if m, err := r.sub.Objects().Map(fd); err == nil {
		return int(m.Attr().KeySize)
	}
	return 1
}

func (r *replayer) load(ld *loadStep) (*sys.ProgLoadExAttr, error) {
	elf, err := r.put([]byte(ld.Name))
	if err != nil {
		return nil, err
	}

	var array []byte
	for _, mb := range ld.Maps {
		name, err := r.put(append([]byte(mb.Name), 0))
		if err != nil {
			return nil, err
		}
		buf, err := sys.Encode(&sys.MapFdEntry{Name: name, Fd: mb.FD})
		if err != nil {
			return nil, err
		}
		array = append(array, buf...)
	}

	maps, err := r.put(array)
	if err != nil {
		return nil, err
	}
	return &sys.ProgLoadExAttr{
		ElfProg:     elf,
		ElfSize:     uint32(len(ld.Name)),
		MapArray:    maps,
		MapArrayLen: uint32(len(ld.Maps)),
	}, nil
}

func (r *replayer) hit(i int, h *hitStep) error {
	addr, ok := r.resolver.Resolve(h.Symbol)
	if !ok {
		return fmt.Errorf("unknown symbol %s", h.Symbol)
	}

	var fired bool
	switch h.Kind {
	case "", "kprobe":
		fired = r.registrar.Hit(addr, h.Frame)
	case "entry":
		fired = r.registrar.HitEntry(addr, h.Frame)
	case "exit":
		fired = r.registrar.HitExit(addr, h.Frame)
	default:
		return fmt.Errorf("unknown hit kind %q", h.Kind)
	}

	fmt.Fprintf(r.out, "%-3d %-21s = %t\n", i, "hit "+h.Symbol, fired)
	return nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// counterLoader stands in for a real program loader. Its programs count how
// often they run into the zero key of every bound map with a value of at
// least eight bytes.
type counterLoader struct{}

func (counterLoader) Load(_ []byte, maps []kernel.MapBinding) (kbpf.Runner, error) {
	var targets []kbpf.Map
	for _, mb := range maps {
		if mb.Map.Attr().ValueSize < 8 {
			return nil, fmt.Errorf("map %s: value too small for a counter", mb.Name)
		}
		targets = append(targets, mb.Map)
	}
	return counter(targets), nil
}

type counter []kbpf.Map

func (c counter) Run([]byte) (uint64, error) {
	for _, m := range c {
		key := make([]byte, m.Attr().KeySize)
		value, err := m.Lookup(key)
		if errors.Is(err, kbpf.ErrKeyNotExist) {
			value = make([]byte, m.Attr().ValueSize)
		} else if err != nil {
			return 0, err
		}

		binary.LittleEndian.PutUint64(value, binary.LittleEndian.Uint64(value)+1)
		if err := m.Update(key, value, kbpf.UpdateAny); err != nil {
			return 0, err
		}
	}
	return 0, nil
}
