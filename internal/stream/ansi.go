package stream

const esc = 0x1b

// cursorFinals are CSI final bytes for cursor movement and screen/line
// clearing. These are the sequences kept when PreserveCursorCodes is set;
// everything else (SGR colors included) is always stripped.
const cursorFinals = "ABCDEFGHJKSTfsu"

// StripANSI removes all ANSI escape sequences from s, including an
// unterminated sequence at the end of the string.
func StripANSI(s string) string {
	out, _ := stripEscapes(nil, []byte(s), false)
	return string(out)
}

// stripEscapes removes ANSI escape sequences from held+input. held is the
// unterminated escape prefix carried over from the previous chunk. The
// returned hold is the new unterminated prefix at the end of input; it must
// be prepended to the next chunk rather than emitted as text.
func stripEscapes(held, input []byte, preserveCursor bool) (out, hold []byte) {
	data := input
	if len(held) > 0 {
		data = make([]byte, 0, len(held)+len(input))
		data = append(data, held...)
		data = append(data, input...)
	}

	out = make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] != esc {
			out = append(out, data[i])
			i++
			continue
		}

		length, final, complete := scanEscape(data[i:])
		if !complete {
			hold = append([]byte(nil), data[i:]...)
			break
		}
		if preserveCursor && isCursorFinal(final) {
			out = append(out, data[i:i+length]...)
		}
		i += length
	}
	return out, hold
}

// scanEscape measures one escape sequence starting at data[0] == ESC.
// Returns the sequence length, its final byte, and whether the sequence is
// fully present. An incomplete sequence means the chunk ended mid-escape.
func scanEscape(data []byte) (length int, final byte, complete bool) {
	if len(data) < 2 {
		return 0, 0, false
	}

	switch data[1] {
	case '[':
		// CSI: parameters 0x30-0x3F, intermediates 0x20-0x2F, final 0x40-0x7E.
		i := 2
		for i < len(data) && data[i] >= 0x30 && data[i] <= 0x3f {
			i++
		}
		for i < len(data) && data[i] >= 0x20 && data[i] <= 0x2f {
			i++
		}
		if i >= len(data) {
			return 0, 0, false
		}
		if data[i] < 0x40 || data[i] > 0x7e {
			// Malformed; consume through the offending byte.
			return i + 1, data[i], true
		}
		return i + 1, data[i], true

	case ']':
		// OSC: terminated by BEL or ST (ESC \).
		for i := 2; i < len(data); i++ {
			if data[i] == 0x07 {
				return i + 1, data[i], true
			}
			if data[i] == esc {
				if i+1 >= len(data) {
					return 0, 0, false
				}
				if data[i+1] == '\\' {
					return i + 2, '\\', true
				}
			}
		}
		return 0, 0, false

	case '(', ')', '#', '%':
		// Charset designation: one more byte.
		if len(data) < 3 {
			return 0, 0, false
		}
		return 3, data[2], true

	default:
		// Two-byte escape (ESC c, ESC 7, ESC 8, ...).
		return 2, data[1], true
	}
}

func isCursorFinal(b byte) bool {
	for i := 0; i < len(cursorFinals); i++ {
		if cursorFinals[i] == b {
			return true
		}
	}
	return false
}
