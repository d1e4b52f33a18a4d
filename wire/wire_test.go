package wire

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func TestEncodeCountsCodePoints(t *testing.T) {
	in := New("name", "Gérard", "日本語")
	got := in.String()
	want := "4.name,6.Gérard,3.日本語;"
	if got != want {
		t.Fatalf("encoded %q, want %q", got, want)
	}
}

func TestReadInstructionStream(t *testing.T) {
	r := NewReader(strings.NewReader("6.select,3.vnc;4.size,4.1024,3.768;0.;"))

	first, err := r.ReadInstruction()
	if err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	if first.Opcode != "select" || len(first.Args) != 1 || first.Arg(0) != "vnc" {
		t.Fatalf("first = %+v", first)
	}

	second, err := r.ReadInstruction()
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if second.Opcode != "size" || len(second.Args) != 2 || second.Arg(1) != "768" {
		t.Fatalf("second = %+v", second)
	}

	third, err := r.ReadInstruction()
	if err != nil {
		t.Fatalf("third read failed: %v", err)
	}
	if third.Opcode != "" || len(third.Args) != 0 {
		t.Fatalf("third = %+v", third)
	}

	if _, err := r.ReadInstruction(); err != io.EOF {
		t.Fatalf("end of stream returned %v, want io.EOF", err)
	}
}

func TestRoundTripUnicodeArgs(t *testing.T) {
	in := New("clipboard", "héllo wörld", "", "🚀")
	back, err := NewReader(strings.NewReader(in.String())).ReadInstruction()
	if err != nil {
		t.Fatalf("decoding %q failed: %v", in.String(), err)
	}
	if back.Opcode != in.Opcode || len(back.Args) != len(in.Args) {
		t.Fatalf("round trip changed shape: %+v", back)
	}
	for i := range in.Args {
		if back.Args[i] != in.Args[i] {
			t.Fatalf("arg %d = %q, want %q", i, back.Args[i], in.Args[i])
		}
	}
}

func TestMalformedFramesRejected(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  error
	}{
		{"nonDigitLength", "x.select;", ErrBadInstruction},
		{"emptyLengthPrefix", ".select;", ErrBadInstruction},
		{"badSeparator", "4.sync|", ErrBadInstruction},
		{"lengthOverrunsValue", "9.abc;", io.ErrUnexpectedEOF},
		{"truncatedValue", "6.sel", io.ErrUnexpectedEOF},
		{"truncatedLength", "42", io.ErrUnexpectedEOF},
		{"missingTerminator", "4.sync", io.ErrUnexpectedEOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tc.input)).ReadInstruction()
			if !errors.Is(err, tc.want) {
				t.Fatalf("parsing %q returned %v, want %v", tc.input, err, tc.want)
			}
		})
	}
}

func TestOversizedInstructionRejected(t *testing.T) {
	huge := strings.Repeat("a", MaxInstructionLength)
	frame := New("blob", huge).String()
	if _, err := NewReader(strings.NewReader(frame)).ReadInstruction(); !errors.Is(err, ErrTooLong) {
		t.Fatalf("oversized frame returned %v, want ErrTooLong", err)
	}

	if _, err := NewReader(strings.NewReader("99999999.")).ReadInstruction(); !errors.Is(err, ErrTooLong) {
		t.Fatalf("absurd length prefix returned %v, want ErrTooLong", err)
	}
}

// ReadOne must not consume anything past the instruction terminator: the
// bytes after the handshake belong to whoever the connection is handed to.
func TestReadOneStopsAtTerminator(t *testing.T) {
	src := strings.NewReader("6.select,3.vnc;LEFTOVER")

	in, err := ReadOne(src)
	if err != nil {
		t.Fatalf("ReadOne failed: %v", err)
	}
	if in.Opcode != "select" || in.Arg(0) != "vnc" {
		t.Fatalf("decoded %+v", in)
	}

	rest, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("draining remainder failed: %v", err)
	}
	if string(rest) != "LEFTOVER" {
		t.Fatalf("remainder = %q, want %q", rest, "LEFTOVER")
	}
}

func TestReadOneUnicode(t *testing.T) {
	src := strings.NewReader("4.name,3.日本語;!")
	in, err := ReadOne(src)
	if err != nil {
		t.Fatalf("ReadOne failed: %v", err)
	}
	if in.Arg(0) != "日本語" {
		t.Fatalf("arg = %q", in.Arg(0))
	}
	rest, _ := io.ReadAll(src)
	if string(rest) != "!" {
		t.Fatalf("remainder = %q, want %q", rest, "!")
	}
}

func TestExpect(t *testing.T) {
	t.Run("matchingOpcode", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go func() {
			client.Write([]byte(New("select", "rdp").String()))
		}()

		in, err := Expect(server, time.Second, "select")
		if err != nil {
			t.Fatalf("Expect failed: %v", err)
		}
		if in.Arg(0) != "rdp" {
			t.Fatalf("decoded %+v", in)
		}
	})

	t.Run("wrongOpcode", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go func() {
			client.Write([]byte(New("sync", "0").String()))
		}()

		in, err := Expect(server, time.Second, "select")
		if !errors.Is(err, ErrWrongOpcode) {
			t.Fatalf("Expect returned %v, want ErrWrongOpcode", err)
		}
		if in.Opcode != "sync" {
			t.Fatalf("offending instruction not returned: %+v", in)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		_, err := Expect(server, 20*time.Millisecond, "select")
		var nerr net.Error
		if !errors.As(err, &nerr) || !nerr.Timeout() {
			t.Fatalf("Expect returned %v, want a timeout", err)
		}
	})
}

func TestErrorAndReadyHelpers(t *testing.T) {
	e := Error("Aborted. See logs.", StatusServerError)
	if got, want := e.String(), "5.error,18.Aborted. See logs.,3.512;"; got != want {
		t.Fatalf("error instruction = %q, want %q", got, want)
	}

	r := Ready("$8d9e2f6a-2a9f-4e5b-b1d4-3c2a1e0f9b8c")
	if r.Opcode != OpReady || len(r.Args) != 1 || len(r.Arg(0)) != 37 {
		t.Fatalf("ready instruction = %+v", r)
	}
}
