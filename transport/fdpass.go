package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Control tokens exchanged on a worker's control socket. Attach carries a
// connection descriptor in the same message; the others are bare.
const (
	TokenAttach byte = 'C'
	TokenQuit   byte = 'Q'
)

type filer interface {
	File() (*os.File, error)
}

// Pair returns a connected Unix socket pair: the parent end as a ready
// *net.UnixConn and the child end as an *os.File for exec.Cmd.ExtraFiles.
// Both ends carry close-on-exec; ExtraFiles clears it on the duplicate the
// child actually inherits.
func Pair() (*net.UnixConn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	pf := os.NewFile(uintptr(fds[0]), "ctrl-parent")
	defer pf.Close()
	pc, err := net.FileConn(pf)
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("wrapping parent end: %w", err)
	}
	parent, ok := pc.(*net.UnixConn)
	if !ok {
		pc.Close()
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("parent end is %T, not a unix conn", pc)
	}

	child := os.NewFile(uintptr(fds[1]), "ctrl-child")
	return parent, child, nil
}

// InheritedConn recovers the control connection a worker child inherited on
// the given descriptor number.
func InheritedConn(fd uintptr) (*net.UnixConn, error) {
	f := os.NewFile(fd, "ctrl")
	if f == nil {
		return nil, fmt.Errorf("descriptor %d is not open", fd)
	}
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping inherited descriptor %d: %w", fd, err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("descriptor %d is %T, not a unix conn", fd, c)
	}
	return uc, nil
}

// SendConn sends an attach token plus conn's descriptor over the control
// socket. The descriptor is duplicated for transmission; the caller still
// owns conn and should close it once SendConn returns.
func SendConn(ctrl *net.UnixConn, conn net.Conn) error {
	fc, ok := conn.(filer)
	if !ok {
		return fmt.Errorf("connection %T does not expose a descriptor", conn)
	}
	f, err := fc.File()
	if err != nil {
		return fmt.Errorf("duplicating descriptor: %w", err)
	}
	defer f.Close()

	rights := unix.UnixRights(int(f.Fd()))
	if _, _, err := ctrl.WriteMsgUnix([]byte{TokenAttach}, rights, nil); err != nil {
		return fmt.Errorf("sending descriptor: %w", err)
	}
	return nil
}

// SendToken sends a bare control token with no descriptor attached.
func SendToken(ctrl *net.UnixConn, token byte) error {
	if _, _, err := ctrl.WriteMsgUnix([]byte{token}, nil, nil); err != nil {
		return fmt.Errorf("sending token %q: %w", token, err)
	}
	return nil
}

// Recv reads the next control message. For TokenAttach the received
// descriptor comes back as a live net.Conn; for bare tokens the conn is nil.
func Recv(ctrl *net.UnixConn) (byte, net.Conn, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := ctrl.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, err
	}
	if n < 1 {
		return 0, nil, fmt.Errorf("empty control message")
	}
	token := buf[0]
	if oobn == 0 {
		return token, nil, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return token, nil, fmt.Errorf("parsing control message: %w", err)
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return token, nil, fmt.Errorf("parsing rights: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return token, nil, fmt.Errorf("control message carried %d descriptors, want 1", len(fds))
	}

	f := os.NewFile(uintptr(fds[0]), "attached-conn")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return token, nil, fmt.Errorf("wrapping received descriptor: %w", err)
	}
	return token, conn, nil
}
