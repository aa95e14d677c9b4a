package link

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/kbpf-dev/kbpf"
)

// targetSeparator splits the probe kind from the symbol in an attach target,
// e.g. "kretprobe@exit$do_sys_open".
const targetSeparator = "$"

// ParseTarget splits an attach target of the form "<kind>$<symbol>".
//
// kind is one of "kprobe", "kretprobe@entry" or "kretprobe@exit" and is
// matched case-insensitively.
func ParseTarget(target string) (TracepointType, string, error) {
	kind, symbol, ok := strings.Cut(target, targetSeparator)
	if !ok {
		return 0, "", errors.Wrapf(kbpf.ErrInvalidArgument, "target %q: missing %q", target, targetSeparator)
	}

	var typ TracepointType
	switch {
	case strings.EqualFold(kind, "kprobe"):
		typ = KProbe
	case strings.EqualFold(kind, "kretprobe@entry"):
		typ = KRetProbeEntry
	case strings.EqualFold(kind, "kretprobe@exit"):
		typ = KRetProbeExit
	default:
		return 0, "", errors.Wrapf(kbpf.ErrInvalidArgument, "target %q: unknown probe kind %q", target, kind)
	}

	if !isValidKprobeSymbol(symbol) {
		return 0, "", errors.Wrapf(kbpf.ErrInvalidArgument, "target %q: invalid symbol %q", target, symbol)
	}

	return typ, symbol, nil
}

// isValidKprobeSymbol implements the equivalent of a regex match
// against "^[a-zA-Z_][0-9a-zA-Z_.]*$".
func isValidKprobeSymbol(s string) bool {
	if len(s) < 1 {
		return false
	}

	for i, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '_':
		case i > 0 && c >= '0' && c <= '9':

		// Allow `.` in symbol name. GCC-compiled kernel may change symbol name
		// to have a `.isra.$n` suffix, like `udp_send_skb.isra.52`.
		// See: https://gcc.gnu.org/gcc-10/changes.html
		case i > 0 && c == '.':

		default:
			return false
		}
	}

	return true
}
