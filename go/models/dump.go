package models

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

func printable(p []byte) string {
	out := []byte(string(p))
	for i, c := range out {
		if c < 0x20 || c > 0x7e {
			out[i] = '.'
		}
	}
	return string(out)
}

// Repr quotes p with non-printable bytes escaped, truncated to strsize if nonzero.
func Repr(p []byte, strsize int) string {
	pieces := make([]string, len(p))
	total := 0
	for i, c := range p {
		if c >= 0x20 && c <= 0x7e {
			pieces[i] = string(c)
		} else {
			pieces[i] = fmt.Sprintf("\\x%02x", c)
		}
		total += len(pieces[i])
	}
	if strsize <= 0 || total <= strsize {
		return `"` + strings.Join(pieces, "") + `"`
	}
	n := 0
	for i, piece := range pieces {
		if n+len(piece) > strsize-3 {
			pieces = pieces[:i]
			break
		}
		n += len(piece)
	}
	return `"` + strings.Join(pieces, "") + `"...`
}

// HexDump formats mem as word-sized hex groups with an ASCII column, fitting 80 columns.
func HexDump(base uint64, mem []byte, bits int) []string {
	word := bits / 8
	addrFmt := "0x%0" + strconv.Itoa(word*2) + "x:"
	perLine := ((80 - word*2 - 4) * 3 / 4) / ((word + 1) * 2)
	lineSize := perLine * word

	var out []string
	for off := 0; off < len(mem); off += lineSize {
		hexCols := make([]string, perLine)
		textCols := make([]string, perLine)
		for j := range hexCols {
			start, end := off+j*word, off+(j+1)*word
			short := 0
			if end > len(mem) {
				short = end - len(mem)
				end = len(mem)
			}
			if start >= end {
				hexCols[j] = strings.Repeat(" ", word*2)
				textCols[j] = strings.Repeat(" ", word)
				continue
			}
			block := mem[start:end]
			hexCols[j] = hex.EncodeToString(block) + strings.Repeat("  ", short)
			textCols[j] = printable(block) + strings.Repeat(" ", short)
		}
		out = append(out, fmt.Sprintf(addrFmt, base+uint64(off))+" "+strings.Join(hexCols, " ")+" ["+strings.Join(textCols, " ")+"]")
	}
	return out
}
