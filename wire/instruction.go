package wire

import (
	"strconv"
	"unicode/utf8"
)

// MaxInstructionLength caps the encoded size of a single instruction in
// bytes. Parsing fails with ErrTooLong rather than buffering without bound
// when a peer sends an oversized or garbage frame.
const MaxInstructionLength = 8192

// Opcodes the gateway itself produces or inspects. Backend drivers handle
// whatever additional opcodes their protocol defines.
const (
	OpSelect     = "select"
	OpReady      = "ready"
	OpError      = "error"
	OpDisconnect = "disconnect"
	OpSync       = "sync"
	OpNop        = "nop"
)

// Instruction is a single decoded frame. The zero value is not a valid
// instruction; an empty opcode never appears on the wire.
type Instruction struct {
	Opcode string
	Args   []string
}

// New builds an instruction from an opcode and its arguments.
func New(opcode string, args ...string) Instruction {
	return Instruction{Opcode: opcode, Args: args}
}

// Append serializes the instruction onto dst and returns the extended slice.
func (in Instruction) Append(dst []byte) []byte {
	dst = appendElement(dst, in.Opcode)
	for _, arg := range in.Args {
		dst = append(dst, ',')
		dst = appendElement(dst, arg)
	}
	return append(dst, ';')
}

// String returns the canonical wire encoding of the instruction.
func (in Instruction) String() string {
	return string(in.Append(nil))
}

// Arg returns the i'th argument, or the empty string when the instruction
// carries fewer arguments than that.
func (in Instruction) Arg(i int) string {
	if i < 0 || i >= len(in.Args) {
		return ""
	}
	return in.Args[i]
}

func appendElement(dst []byte, v string) []byte {
	dst = strconv.AppendInt(dst, int64(utf8.RuneCountInString(v)), 10)
	dst = append(dst, '.')
	return append(dst, v...)
}

// Error builds the error instruction sent to clients when a session or
// handshake fails: a human-readable message plus a numeric status code.
func Error(message string, status Status) Instruction {
	return Instruction{Opcode: OpError, Args: []string{message, strconv.Itoa(int(status))}}
}

// Ready builds the instruction that completes a successful handshake and
// announces the session id the client may use to rejoin.
func Ready(sessionID string) Instruction {
	return Instruction{Opcode: OpReady, Args: []string{sessionID}}
}

// Disconnect builds the instruction a clean client-initiated close sends.
func Disconnect() Instruction {
	return Instruction{Opcode: OpDisconnect}
}
