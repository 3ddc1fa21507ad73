package mem

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// DecodeUint reads an unsigned value as wide as p.
func DecodeUint(order binary.ByteOrder, p []byte) (uint64, error) {
	switch len(p) {
	case 1:
		return uint64(p[0]), nil
	case 2:
		return uint64(order.Uint16(p)), nil
	case 4:
		return uint64(order.Uint32(p)), nil
	case 8:
		return order.Uint64(p), nil
	}
	return 0, errors.Errorf("unsupported uint size: %d", len(p))
}

// EncodeUint writes v into p, truncated to len(p) bytes.
func EncodeUint(order binary.ByteOrder, p []byte, v uint64) error {
	switch len(p) {
	case 1:
		p[0] = byte(v)
	case 2:
		order.PutUint16(p, uint16(v))
	case 4:
		order.PutUint32(p, uint32(v))
	case 8:
		order.PutUint64(p, v)
	default:
		return errors.Errorf("unsupported uint size: %d", len(p))
	}
	return nil
}
