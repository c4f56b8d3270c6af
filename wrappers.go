package psyscall

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

//nolint:gochecknoglobals
var (
	callGetpid  = Call{Name: "getpid", Native: unix.SYS_GETPID, ILP32: sys32Getpid}
	callSocket  = Call{Name: "socket", Native: unix.SYS_SOCKET, ILP32: sys32Socket}
	callClose   = Call{Name: "close", Native: unix.SYS_CLOSE, ILP32: sys32Close}
	callListen  = Call{Name: "listen", Native: unix.SYS_LISTEN, ILP32: sys32Listen}
	callAccept4 = Call{Name: "accept4", Native: unix.SYS_ACCEPT4, ILP32: sys32Accept4}
	callDup3    = Call{Name: "dup3", Native: unix.SYS_DUP3, ILP32: sys32Dup3}
	callConnect = Call{Name: "connect", Native: unix.SYS_CONNECT, ILP32: sys32Connect}
	callBind    = Call{Name: "bind", Native: unix.SYS_BIND, ILP32: sys32Bind}
	callSendmsg = Call{Name: "sendmsg", Native: unix.SYS_SENDMSG, ILP32: sys32Sendmsg}
	callRecvmsg = Call{Name: "recvmsg", Native: unix.SYS_RECVMSG, ILP32: sys32Recvmsg}
)

// Maps a result of an x/sys/unix call made in this (host) process to the raw convention.
func localReturn(call Call, r int, err error) (uint64, errors.E) {
	if err != nil {
		return uint64(errorReturn), errors.WithDetails(err, "call", call.Name) //nolint:gosec
	}
	return uint64(r), nil //nolint:gosec
}

func invokeInt(s Subject, req Request, message string) (int, errors.E) {
	res, errE := Invoke(s, req)
	if errE != nil {
		return errorReturn, errors.WithMessage(errE, message)
	}
	if absent(s) {
		// Local calls already follow the convention.
		return int(res), nil //nolint:gosec
	}
	n, errE := result(req.Call, res)
	return n, errors.WithMessage(errE, message)
}

// SysGetpid invokes getpid syscall in the (attached) process.
func SysGetpid(s Subject) (int, errors.E) {
	return invokeInt(s, Request{
		Call: callGetpid,
		Local: func() (uint64, errors.E) {
			return uint64(unix.Getpid()), nil //nolint:gosec
		},
	}, "sys getpid")
}

// SysSocket invokes socket syscall in the (attached) process.
func SysSocket(s Subject, domain, typ, proto int) (int, errors.E) {
	return invokeInt(s, Request{
		Call: callSocket,
		Args: []Arg{
			Value(domain), //nolint:gosec // domain.
			Value(typ),    //nolint:gosec // type.
			Value(proto),  //nolint:gosec // protocol.
		},
		Local: func() (uint64, errors.E) {
			fd, err := unix.Socket(domain, typ, proto)
			return localReturn(callSocket, fd, err)
		},
	}, "sys socket")
}

// SysClose invokes close syscall in the (attached) process.
func SysClose(s Subject, fd int) errors.E {
	_, errE := invokeInt(s, Request{
		Call: callClose,
		Args: []Arg{
			Value(fd), //nolint:gosec // fd.
		},
		Local: func() (uint64, errors.E) {
			return localReturn(callClose, 0, unix.Close(fd))
		},
	}, "sys close")
	return errE
}

// SysListen invokes listen syscall in the (attached) process.
func SysListen(s Subject, fd, backlog int) errors.E {
	_, errE := invokeInt(s, Request{
		Call: callListen,
		Args: []Arg{
			Value(fd),      //nolint:gosec // sockfd.
			Value(backlog), //nolint:gosec // backlog.
		},
		Local: func() (uint64, errors.E) {
			return localReturn(callListen, 0, unix.Listen(fd, backlog))
		},
	}, "sys listen")
	return errE
}

// SysAccept invokes accept4 syscall in the (attached) process.
//
// Peer address is not returned.
func SysAccept(s Subject, fd, flags int) (int, errors.E) {
	return invokeInt(s, Request{
		Call: callAccept4,
		Args: []Arg{
			Value(fd),    //nolint:gosec // sockfd.
			Null,         // addr.
			Null,         // addrlen.
			Value(flags), //nolint:gosec // flags.
		},
		Local: func() (uint64, errors.E) {
			connFd, _, err := unix.Accept4(fd, flags)
			return localReturn(callAccept4, connFd, err)
		},
	}, "sys accept")
}

// SysDup3 invokes dup3 syscall in the (attached) process.
func SysDup3(s Subject, oldFd, newFd int) errors.E {
	_, errE := invokeInt(s, Request{
		Call: callDup3,
		Args: []Arg{
			Value(oldFd), //nolint:gosec // oldfd.
			Value(newFd), //nolint:gosec // newfd.
			Value(0),     // flags.
		},
		Local: func() (uint64, errors.E) {
			return localReturn(callDup3, 0, unix.Dup3(oldFd, newFd, 0))
		},
	}, "sys dup3")
	return errE
}

// SysConnectUnix invokes connect syscall in the (attached) process for AF_UNIX socket path.
//
// If path starts with @, it is replaced with null character to connect to an abstract unix domain socket.
func SysConnectUnix(s Subject, fd int, path string) errors.E {
	return connectOrBindUnix(s, callConnect, fd, path, func() error {
		return unix.Connect(fd, &unix.SockaddrUnix{Name: path})
	})
}

// SysBindUnix invokes bind syscall in the (attached) process for AF_UNIX socket path.
//
// If path starts with @, it is replaced with null character to bind to an abstract unix domain socket.
func SysBindUnix(s Subject, fd int, path string) errors.E {
	return connectOrBindUnix(s, callBind, fd, path, func() error {
		return unix.Bind(fd, &unix.SockaddrUnix{Name: path})
	})
}

// Both connect and bind system calls take the same arguments, so we have one function for both.
// Struct sockaddr_un has the same layout in both data models.
func connectOrBindUnix(s Subject, call Call, fd int, path string, local func() error) errors.E {
	req := Request{
		Call: call,
		Local: func() (uint64, errors.E) {
			return localReturn(call, 0, local())
		},
	}
	if !absent(s) {
		addr, errE := sockaddrUnix(path)
		if errE != nil {
			return errors.WithMessagef(errE, "sys %s unix", call.Name)
		}
		req.Args = []Arg{
			Value(fd),                      //nolint:gosec // sockfd.
			Ref{Data: addr, Direction: In}, // addr.
			Value(len(addr)),               // addrlen.
		}
	}
	_, errE := invokeInt(s, req, "sys "+call.Name+" unix")
	return errE
}

// sockaddrUnix builds unix.RawSockaddrUnix for path, trimmed to the used length.
func sockaddrUnix(path string) ([]byte, errors.E) {
	if path == "" {
		return nil, errors.WithDetails(ErrInvalidArgument, "reason", "empty path")
	}
	// Family field.
	buf := nativeEndian.AppendUint16(nil, unix.AF_UNIX)
	p := []byte(path)
	abstract := false
	// If it starts with @, it is an abstract unix domain socket.
	// We change @ to a null character.
	if p[0] == '@' {
		p[0] = 0
		abstract = true
	} else if p[0] == 0 {
		abstract = true
	}
	// Path field.
	buf = append(buf, p...)
	if !abstract {
		// If not abstract, then write a null character.
		buf = append(buf, 0)
	}
	if len(buf) > len(unix.RawSockaddrUnix{}.Path)+2 { //nolint:exhaustruct,mnd
		return nil, errors.WithDetails(ErrInvalidArgument, "reason", "path too long", "path", path)
	}
	return buf, nil
}

// SysSendmsg invokes sendmsg syscall in the (attached) process.
//
// Control messages are given in the native layout and are converted for ILP32
// processes. It returns the number of bytes sent from iov and the length of control.
func SysSendmsg(s Subject, fd int, iov, control []byte, flags int) (int, int, errors.E) {
	req := Request{
		Call: callSendmsg,
		Local: func() (uint64, errors.E) {
			n, err := unix.SendmsgN(fd, iov, control, nil, flags)
			return localReturn(callSendmsg, n, err)
		},
	}
	if !absent(s) {
		model := s.DataModel()
		processControl := control
		if model == ILP32 {
			var errE errors.E
			processControl, errE = controlTo32(control)
			if errE != nil {
				errors.Details(errE)["call"] = callSendmsg.Name
				return errorReturn, 0, errors.WithMessage(errE, "sys sendmsg")
			}
		}
		req.Args = []Arg{
			Value(fd), //nolint:gosec // sockfd.
			Block{
				Layout: func(start uint64) ([]byte, uint64, errors.E) {
					offset, block := newMsghdr(model, start, iov, processControl)
					return block, offset, nil
				},
				Direction: In,
			}, // msg.
			Value(flags), //nolint:gosec // flags.
		}
	}
	n, errE := invokeInt(s, req, "sys sendmsg")
	if errE != nil {
		return n, 0, errE
	}
	return n, len(control), nil
}

// SysRecvmsg invokes recvmsg syscall in the (attached) process.
//
// Control messages received by ILP32 processes are converted into the native layout.
// It returns the number of bytes received into iov, the number of bytes
// received into control, and message flags.
func SysRecvmsg(s Subject, fd int, iov, control []byte, flags int) (int, int, int, errors.E) {
	if absent(s) {
		n, controln, recvflags, _, err := unix.Recvmsg(fd, iov, control, flags)
		if err != nil {
			return errorReturn, 0, 0, errors.WithMessage(errors.WithDetails(err, "call", callRecvmsg.Name), "sys recvmsg")
		}
		return n, controln, recvflags, nil
	}

	model := s.DataModel()
	var block []byte
	var offset uint64
	n, errE := invokeInt(s, Request{
		Call: callRecvmsg,
		Args: []Arg{
			Value(fd), //nolint:gosec // sockfd.
			Block{
				Layout: func(start uint64) ([]byte, uint64, errors.E) {
					offset, block = newMsghdr(model, start, iov, control)
					return block, offset, nil
				},
				Direction: InOut,
			}, // msg.
			Value(flags), //nolint:gosec // flags.
		},
	}, "sys recvmsg")
	if errE != nil {
		return n, 0, 0, errE
	}
	// unix.Iovec.Base and unix.Msghdr.Control are at the start of the block.
	copy(iov, block[:len(iov)])
	controln, recvflags := parseMsghdr(model, block, offset)
	received := block[len(iov) : len(iov)+int(min(controln, uint64(len(control))))] //nolint:gosec
	if model == ILP32 {
		native, truncated, errE := controlToNative(received, len(control))
		if errE != nil {
			errors.Details(errE)["call"] = callRecvmsg.Name
			return errorReturn, 0, 0, errors.WithMessage(errE, "sys recvmsg")
		}
		if truncated {
			recvflags |= unix.MSG_CTRUNC
		}
		received = native
	}
	copy(control, received)
	return n, len(received), int(recvflags), nil
}
