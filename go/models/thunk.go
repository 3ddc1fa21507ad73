package models

import "bytes"

// ThunkMagic starts every trap thunk. On x86 it decodes as ud2, so native
// execution of a thunk faults instead of running off into data.
var ThunkMagic = []byte{0x0f, 0x0b}

// MaxThunkName bounds the name stored after ThunkMagic.
const MaxThunkName = 128

// EncodeThunk returns a code body which traps into the host handler registered for name.
func EncodeThunk(name string) []byte {
	out := make([]byte, 0, len(ThunkMagic)+len(name)+1)
	out = append(out, ThunkMagic...)
	out = append(out, name...)
	return append(out, 0)
}

// DecodeThunk extracts the handler name from a thunk body.
func DecodeThunk(p []byte) (string, bool) {
	if !bytes.HasPrefix(p, ThunkMagic) {
		return "", false
	}
	p = p[len(ThunkMagic):]
	if i := bytes.IndexByte(p, 0); i > 0 {
		return string(p[:i]), true
	}
	return "", false
}
