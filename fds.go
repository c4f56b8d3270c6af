package psyscall

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Address starting with @ signals that this is an abstract unix domain socket.
func newSocketAddress() (string, errors.E) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", errors.WithMessage(err, "uuid new")
	}
	return fmt.Sprintf("@psyscall-%s.sock", u.String()), nil
}

// fdChannel is a connected unix domain socket between this (host) process and
// the (attached) process over which file descriptors are passed in both directions.
// One byte of data accompanies every file descriptor.
type fdChannel struct {
	s         Subject
	host      *net.UnixConn
	processFd int
}

// openFdChannel listens on a fresh abstract address in this (host) process and
// makes the (attached) process connect to it.
func openFdChannel(s Subject) (*fdChannel, errors.E) {
	addr, errE := newSocketAddress()
	if errE != nil {
		return nil, errE
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		errE := errors.WithMessage(err, "listen unix")
		errors.Details(errE)["addr"] = addr
		return nil, errE
	}
	// The address is not needed anymore once the connection is accepted.
	defer listener.Close()

	processFd, errE := SysSocket(s, unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if errE != nil {
		return nil, errE
	}
	errE = SysConnectUnix(s, processFd, addr)
	if errE != nil {
		return nil, errors.Join(errE, SysClose(s, processFd))
	}
	host, err := listener.AcceptUnix()
	if err != nil {
		errE := errors.WithMessage(err, "accept unix")
		errors.Details(errE)["addr"] = addr
		return nil, errors.Join(errE, SysClose(s, processFd))
	}

	return &fdChannel{s: s, host: host, processFd: processFd}, nil
}

func (c *fdChannel) Close() errors.E {
	var errE errors.E
	err := c.host.Close()
	if err != nil {
		errE = errors.WithMessage(err, "close")
	}
	return errors.Join(errE, SysClose(c.s, c.processFd))
}

// receive passes processFd from the (attached) process to this (host) process.
// It returns -1 if processFd is not open in the process.
func (c *fdChannel) receive(processFd int) (int, errors.E) {
	_, _, errE := SysSendmsg(c.s, c.processFd, []byte{0}, unix.UnixRights(processFd), 0)
	if errors.Is(errE, unix.EBADF) {
		return -1, nil
	}
	if errE != nil {
		return -1, errE
	}

	iov := make([]byte, 1)
	control := make([]byte, unix.CmsgSpace(4)) //nolint:mnd
	_, controln, _, _, err := c.host.ReadMsgUnix(iov, control)
	if err != nil {
		return -1, errors.WithMessage(err, "read msg unix")
	}
	fds, errE := parseRights(control[:controln])
	if errE != nil {
		return -1, errE
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return -1, errors.WithDetails(ErrFdCountMismatch, "processFd", processFd, "received", len(fds))
	}
	return fds[0], nil
}

// send passes hostFd from this (host) process to the (attached) process and
// returns the file descriptor it got there.
func (c *fdChannel) send(hostFd int) (int, errors.E) {
	_, _, err := c.host.WriteMsgUnix([]byte{0}, unix.UnixRights(hostFd), nil)
	if err != nil {
		errE := errors.WithMessage(err, "write msg unix")
		errors.Details(errE)["hostFd"] = hostFd
		return -1, errE
	}

	iov := make([]byte, 1)
	control := make([]byte, unix.CmsgSpace(4)) //nolint:mnd
	_, controln, _, errE := SysRecvmsg(c.s, c.processFd, iov, control, 0)
	if errE != nil {
		return -1, errE
	}
	fds, errE := parseRights(control[:controln])
	if errE != nil {
		return -1, errE
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			errE = errors.Join(errE, SysClose(c.s, fd))
		}
		return -1, errors.Join(errors.WithDetails(ErrFdCountMismatch, "hostFd", hostFd, "received", len(fds)), errE)
	}
	return fds[0], nil
}

// GetFds does a cross-process duplication of file descriptors from the (attached) process into this (host) process.
//
// The returned hostFds have the same length as processFds. If any of processFds
// are not found in the process, -1 is used in hostFds for it instead and no error is reported.
// On error no file descriptors are returned.
//
// You should close processFds afterwards if they are not needed anymore in the (attached) process.
// Same for hostFds in this (host) process.
func GetFds(s Subject, processFds []int) (hostFds []int, errE errors.E) { //nolint:nonamedreturns
	channel, errE := openFdChannel(s)
	if errE != nil {
		return nil, errE
	}
	defer func() {
		errE = errors.Join(errE, channel.Close())
		if errE != nil {
			closeHostFds(hostFds)
			hostFds = nil
		}
	}()

	hostFds = make([]int, 0, len(processFds))
	for _, processFd := range processFds {
		hostFd, errE := channel.receive(processFd)
		if errE != nil {
			return hostFds, errE
		}
		hostFds = append(hostFds, hostFd)
	}
	return hostFds, nil
}

func closeHostFds(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}

// SetFd does a cross-process duplication of a file descriptor from this (host) process into the (attached) process.
//
// After hostFd is passed to the process, dup3 syscall is used to set it to processFd
// in the process (any previous processFd is closed by dup3).
//
// You should close hostFd afterwards if it is not needed anymore in this (host) process.
// Same for processFd in the (attached) process.
func SetFd(s Subject, hostFd int, processFd int) (errE errors.E) { //nolint:nonamedreturns
	channel, errE := openFdChannel(s)
	if errE != nil {
		return errE
	}
	defer func() {
		errE = errors.Join(errE, channel.Close())
	}()

	fd, errE := channel.send(hostFd)
	if errE != nil {
		return errE
	}
	if fd == processFd {
		return nil
	}

	errE = SysDup3(s, fd, processFd)
	return errors.Join(errE, SysClose(s, fd))
}

func parseRights(control []byte) ([]int, errors.E) {
	cmsgs, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return nil, errors.WithMessage(err, "parse socket control message")
	}
	var fds []int
	for i := range cmsgs {
		f, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			return nil, errors.WithMessage(err, "parse unix rights")
		}
		fds = append(fds, f...)
	}
	return fds, nil
}

type fileID struct {
	dev  uint64
	ino  uint64
	rdev uint64
}

func statFileID(fd int) (fileID, errors.E) {
	var stat unix.Stat_t
	err := unix.Fstat(fd, &stat)
	if err != nil {
		errE := errors.WithMessage(err, "fstat")
		errors.Details(errE)["fd"] = fd
		return fileID{}, errE
	}
	return fileID{dev: stat.Dev, ino: stat.Ino, rdev: stat.Rdev}, nil
}

// EqualFds returns true if both file descriptors point to the same underlying file.
func EqualFds(fd1, fd2 int) (bool, errors.E) {
	id1, errE := statFileID(fd1)
	if errE != nil {
		return false, errE
	}
	id2, errE := statFileID(fd2)
	if errE != nil {
		return false, errE
	}
	return id1 == id2, nil
}
