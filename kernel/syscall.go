package kernel

import (
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kbpf-dev/kbpf"
	"github.com/kbpf-dev/kbpf/internal/logging"
	"github.com/kbpf-dev/kbpf/internal/sys"
	"github.com/kbpf-dev/kbpf/internal/unix"
	"github.com/kbpf-dev/kbpf/usermem"
)

const (
	// maxProgramSize bounds the object copied in by BPF_PROG_LOAD_EX.
	maxProgramSize = 1 << 24
	// maxMapBindings bounds the map array of BPF_PROG_LOAD_EX.
	maxMapBindings = 1 << 10
	// maxMapNameLen bounds map names read from user memory.
	maxMapNameLen = 256
	// maxTargetLen bounds BPF_PROG_ATTACH targets: the longest kind prefix
	// followed by a symbol of at most KSYM_NAME_LEN bytes.
	maxTargetLen = len("kretprobe$") + 512
)

// BPF is the bpf(2) entry point. attr is the user address of the command's
// record and size the number of bytes available there.
//
// Returns a non-negative value on success: the new fd for commands creating
// objects, zero otherwise. Failures return the negated errno, or -1 if the
// subsystem was configured with CollapseErrors.
func (s *Subsystem) BPF(cmd sys.Cmd, attr uint64, size uint32) int64 {
	ret, err := s.bpf(cmd, attr, size)
	s.metrics.Command(cmd.String(), err)
	if err == nil {
		return int64(ret)
	}

	errno := Errno(err)
	s.log.WithError(err).WithFields(logrus.Fields{
		logging.FieldCmd: cmd,
	}).Debugf("Command failed with %s", unix.ErrnoName(errno))

	if s.cfg.CollapseErrors {
		return -1
	}
	return -int64(errno)
}

func (s *Subsystem) bpf(cmd sys.Cmd, attr uint64, size uint32) (uint32, error) {
	if !cmd.Valid() {
		return 0, errors.Wrapf(kbpf.ErrInvalidArgument, "unknown command %s", cmd)
	}
	if s.cfg.Memory == nil {
		return 0, errors.Wrap(kbpf.ErrFault, "no user memory")
	}

	switch cmd {
	case sys.BPF_MAP_CREATE:
		return s.mapCreate(attr, size)
	case sys.BPF_MAP_LOOKUP_ELEM:
		return 0, s.mapLookup(attr, size)
	case sys.BPF_MAP_UPDATE_ELEM:
		return 0, s.mapUpdate(attr, size)
	case sys.BPF_MAP_DELETE_ELEM:
		return 0, s.mapDelete(attr, size)
	case sys.BPF_MAP_GET_NEXT_KEY:
		return 0, s.mapNextKey(attr, size)
	case sys.BPF_PROG_LOAD:
		return 0, errors.Wrap(kbpf.ErrNotSupported, "use BPF_PROG_LOAD_EX")
	case sys.BPF_PROG_ATTACH:
		return 0, s.progAttach(attr, size)
	case sys.BPF_PROG_DETACH:
		return 0, s.progDetach(attr, size)
	case sys.BPF_PROG_LOAD_EX:
		return s.progLoadEx(attr, size)
	case sys.BPF_OBJ_CLOSE:
		return 0, s.objClose(attr, size)
	default:
		return 0, errors.Wrapf(kbpf.ErrNotSupported, "command %s", cmd)
	}
}

// copyInRecord copies the fixed size record at addr into rec.
func (s *Subsystem) copyInRecord(addr uint64, size uint32, rec any) error {
	want := sys.Size(rec)
	if int64(size) < int64(want) {
		return errors.Wrapf(kbpf.ErrInvalidArgument, "%T needs %d bytes, got %d", rec, want, size)
	}

	buf, err := usermem.CopyInBytes(s.cfg.Memory, addr, want)
	if err != nil {
		return errors.Wrapf(err, "copy %T", rec)
	}
	return sys.Decode(buf, rec)
}

func (s *Subsystem) mapCreate(addr uint64, size uint32) (uint32, error) {
	var rec sys.MapCreateAttr
	if err := s.copyInRecord(addr, size, &rec); err != nil {
		return 0, err
	}

	return s.CreateMap(kbpf.MapAttr{
		Type:       kbpf.MapType(rec.MapType),
		KeySize:    rec.KeySize,
		ValueSize:  rec.ValueSize,
		MaxEntries: rec.MaxEntries,
	})
}

// mapOp decodes a MapOpAttr and resolves its map.
func (s *Subsystem) mapOp(addr uint64, size uint32) (*sys.MapOpAttr, kbpf.Map, error) {
	rec := new(sys.MapOpAttr)
	if err := s.copyInRecord(addr, size, rec); err != nil {
		return nil, nil, err
	}

	m, err := s.objects.Map(rec.MapFd)
	if err != nil {
		return nil, nil, err
	}
	return rec, m, nil
}

func (s *Subsystem) copyInKey(m kbpf.Map, ptr sys.Pointer) ([]byte, error) {
	return usermem.CopyInBytes(s.cfg.Memory, uint64(ptr), int(m.Attr().KeySize))
}

func (s *Subsystem) mapLookup(addr uint64, size uint32) error {
	rec, m, err := s.mapOp(addr, size)
	if err != nil {
		return err
	}

	key, err := s.copyInKey(m, rec.Key)
	if err != nil {
		return err
	}
	value, err := s.LookupElem(rec.MapFd, key)
	if err != nil {
		return err
	}
	return s.cfg.Memory.CopyOut(uint64(rec.Value), value)
}

func (s *Subsystem) mapUpdate(addr uint64, size uint32) error {
	rec, m, err := s.mapOp(addr, size)
	if err != nil {
		return err
	}

	key, err := s.copyInKey(m, rec.Key)
	if err != nil {
		return err
	}
	value, err := usermem.CopyInBytes(s.cfg.Memory, uint64(rec.Value), int(m.Attr().ValueSize))
	if err != nil {
		return err
	}
	return s.UpdateElem(rec.MapFd, key, value, kbpf.MapUpdateFlags(rec.Flags))
}

func (s *Subsystem) mapDelete(addr uint64, size uint32) error {
	rec, m, err := s.mapOp(addr, size)
	if err != nil {
		return err
	}

	key, err := s.copyInKey(m, rec.Key)
	if err != nil {
		return err
	}
	return s.DeleteElem(rec.MapFd, key)
}

// mapNextKey treats a null key pointer as the start of the iteration.
func (s *Subsystem) mapNextKey(addr uint64, size uint32) error {
	rec, m, err := s.mapOp(addr, size)
	if err != nil {
		return err
	}

	var key []byte
	if !rec.Key.IsNil() {
		key, err = s.copyInKey(m, rec.Key)
		if err != nil {
			return err
		}
	}

	next, err := s.NextKey(rec.MapFd, key)
	if err != nil {
		return err
	}
	return s.cfg.Memory.CopyOut(uint64(rec.Value), next)
}

func (s *Subsystem) progAttach(addr uint64, size uint32) error {
	var rec sys.KprobeAttachAttr
	if err := s.copyInRecord(addr, size, &rec); err != nil {
		return err
	}

	if rec.StrLen > uint32(maxTargetLen) {
		return errors.Wrapf(kbpf.ErrInvalidArgument, "attach target of %d bytes exceeds %d", rec.StrLen, maxTargetLen)
	}

	target, err := usermem.CopyInBytes(s.cfg.Memory, uint64(rec.Target), int(rec.StrLen))
	if err != nil {
		return errors.Wrap(err, "copy attach target")
	}
	if !utf8.Valid(target) {
		return errors.Wrap(kbpf.ErrInvalidArgument, "attach target is not valid UTF-8")
	}

	return s.Attach(string(target), rec.ProgFd)
}

func (s *Subsystem) progDetach(addr uint64, size uint32) error {
	var rec sys.ProgDetachAttr
	if err := s.copyInRecord(addr, size, &rec); err != nil {
		return err
	}
	return s.Detach(rec.ProgFd)
}

func (s *Subsystem) progLoadEx(addr uint64, size uint32) (uint32, error) {
	var rec sys.ProgLoadExAttr
	if err := s.copyInRecord(addr, size, &rec); err != nil {
		return 0, err
	}

	if rec.ElfSize > maxProgramSize {
		return 0, errors.Wrapf(kbpf.ErrInvalidArgument, "program of %d bytes exceeds %d", rec.ElfSize, maxProgramSize)
	}
	if rec.MapArrayLen > maxMapBindings {
		return 0, errors.Wrapf(kbpf.ErrInvalidArgument, "%d maps exceed %d", rec.MapArrayLen, maxMapBindings)
	}

	elf, err := usermem.CopyInBytes(s.cfg.Memory, uint64(rec.ElfProg), int(rec.ElfSize))
	if err != nil {
		return 0, errors.Wrap(err, "copy program")
	}

	entrySize := uint64(sys.Size(&sys.MapFdEntry{}))
	maps := make([]MapFD, 0, rec.MapArrayLen)
	for i := range uint64(rec.MapArrayLen) {
		var entry sys.MapFdEntry
		if err := s.copyInRecord(uint64(rec.MapArray.Add(i*entrySize)), uint32(entrySize), &entry); err != nil {
			return 0, errors.Wrapf(err, "map array entry %d", i)
		}

		name, err := usermem.ReadCString(s.cfg.Memory, uint64(entry.Name), maxMapNameLen)
		if err != nil {
			return 0, errors.Wrapf(err, "name of map %d", i)
		}
		maps = append(maps, MapFD{name, entry.Fd})
	}

	return s.LoadProgram("", elf, maps)
}

func (s *Subsystem) objClose(addr uint64, size uint32) error {
	var rec sys.ObjCloseAttr
	if err := s.copyInRecord(addr, size, &rec); err != nil {
		return err
	}
	return s.CloseFD(rec.Fd)
}
