package sys

import "encoding/binary"

// ByteOrder of every record crossing the bpf(2) boundary.
var ByteOrder = binary.LittleEndian
