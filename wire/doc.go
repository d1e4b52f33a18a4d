// Package wire implements the gateway's instruction framing: an instruction
// is an opcode plus a list of string arguments, encoded as comma-separated
// length-prefixed elements terminated by a semicolon, where each element's
// length counts Unicode code points:
//
//	6.select,3.vnc;
//
// The rest of the system depends only on the (opcode, args) shape; all
// byte-level parsing and serialization stays inside this package. Reader is
// the buffered parser used by per-user reader pumps; ReadOne and Expect read
// exactly one instruction without buffering ahead, so a connection can be
// handed to another owner immediately after the handshake with no bytes
// stranded in a parser.
package wire
