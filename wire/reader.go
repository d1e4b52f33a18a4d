package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrBadInstruction reports a frame that violates the element grammar:
	// a non-digit in a length prefix, a missing '.' separator, or an element
	// followed by something other than ',' or ';'.
	ErrBadInstruction = errors.New("wire: malformed instruction")

	// ErrTooLong reports a frame whose encoding exceeds MaxInstructionLength.
	ErrTooLong = errors.New("wire: instruction exceeds maximum length")

	// ErrWrongOpcode reports that Expect decoded a well-formed instruction
	// whose opcode was not the one required.
	ErrWrongOpcode = errors.New("wire: unexpected opcode")
)

// instrSource is what the parser needs from its input: single bytes for the
// framing characters and whole runes for element bodies.
type instrSource interface {
	io.ByteReader
	io.RuneReader
}

// Reader decodes a stream of instructions. It buffers past the current
// instruction, so it must own the underlying reader for its lifetime; use
// ReadOne for connections that will be handed off.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader decoding from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadInstruction decodes the next instruction from the stream. At end of
// stream it returns io.EOF if no partial frame was pending and
// io.ErrUnexpectedEOF otherwise.
func (r *Reader) ReadInstruction() (Instruction, error) {
	return parseInstruction(r.br)
}

// ReadOne decodes exactly one instruction from r without reading a single
// byte beyond its terminating semicolon. It issues one-byte reads, so it is
// for handshake paths, not steady-state pumps.
func ReadOne(r io.Reader) (Instruction, error) {
	return parseInstruction(&unbufferedSource{r: r})
}

// DeadlineReader is the subset of a network connection that Expect needs.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Expect reads one instruction from c within timeout and verifies its
// opcode. The read deadline is cleared before returning. A slow peer
// surfaces as the transport's timeout error; a well-formed frame with the
// wrong opcode surfaces as ErrWrongOpcode and the decoded instruction is
// returned alongside the error for diagnostics.
func Expect(c DeadlineReader, timeout time.Duration, opcode string) (Instruction, error) {
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Instruction{}, fmt.Errorf("arming read deadline: %w", err)
	}
	defer c.SetReadDeadline(time.Time{})

	in, err := ReadOne(c)
	if err != nil {
		return Instruction{}, err
	}
	if in.Opcode != opcode {
		return in, fmt.Errorf("%w: want %q, got %q", ErrWrongOpcode, opcode, in.Opcode)
	}
	return in, nil
}

func parseInstruction(src instrSource) (Instruction, error) {
	var in Instruction
	budget := MaxInstructionLength

	for {
		elem, last, err := readElement(src, &budget)
		if err != nil {
			if err == io.EOF && in.Opcode == "" && len(in.Args) == 0 && budget == MaxInstructionLength {
				return Instruction{}, io.EOF
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Instruction{}, err
		}
		if in.Opcode == "" && in.Args == nil {
			in.Opcode = elem
			in.Args = []string{}
		} else {
			in.Args = append(in.Args, elem)
		}
		if last {
			return in, nil
		}
	}
}

// readElement decodes one "length.value" element plus its trailing
// separator, reporting whether the separator was the instruction terminator.
func readElement(src instrSource, budget *int) (string, bool, error) {
	length, err := readLength(src, budget)
	if err != nil {
		return "", false, err
	}

	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		r, size, err := src.ReadRune()
		if err != nil {
			return "", false, err
		}
		*budget -= size
		if *budget < 0 {
			return "", false, ErrTooLong
		}
		sb.WriteRune(r)
	}

	b, err := src.ReadByte()
	if err != nil {
		return "", false, err
	}
	*budget--
	switch b {
	case ',':
		return sb.String(), false, nil
	case ';':
		return sb.String(), true, nil
	default:
		return "", false, fmt.Errorf("%w: element of length %d not terminated", ErrBadInstruction, length)
	}
}

func readLength(src instrSource, budget *int) (int, error) {
	length := 0
	digits := 0
	for {
		b, err := src.ReadByte()
		if err != nil {
			if err == io.EOF && digits > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		*budget--
		if *budget < 0 {
			return 0, ErrTooLong
		}
		if b == '.' {
			if digits == 0 {
				return 0, fmt.Errorf("%w: empty length prefix", ErrBadInstruction)
			}
			return length, nil
		}
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("%w: %q in length prefix", ErrBadInstruction, b)
		}
		length = length*10 + int(b-'0')
		if length > MaxInstructionLength {
			return 0, ErrTooLong
		}
		digits++
	}
}

// unbufferedSource adapts a raw io.Reader to the parser without lookahead.
// Runes are assembled from single-byte reads; a byte sequence that is not
// valid UTF-8 decodes as one RuneError per leading byte, which keeps the
// parser's code-point accounting aligned with writers that count the same
// way.
type unbufferedSource struct {
	r   io.Reader
	buf [4]byte
}

func (u *unbufferedSource) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(u.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (u *unbufferedSource) ReadRune() (rune, int, error) {
	b0, err := u.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	if b0 < utf8.RuneSelf {
		return rune(b0), 1, nil
	}

	n := 1
	switch {
	case b0&0xE0 == 0xC0:
		n = 2
	case b0&0xF0 == 0xE0:
		n = 3
	case b0&0xF8 == 0xF0:
		n = 4
	default:
		return utf8.RuneError, 1, nil
	}

	u.buf[0] = b0
	for i := 1; i < n; i++ {
		b, err := u.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, 0, err
		}
		u.buf[i] = b
	}
	r, _ := utf8.DecodeRune(u.buf[:n])
	return r, n, nil
}
