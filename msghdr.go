package psyscall

import (
	"unsafe"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

const (
	msghdrSize   = 56
	msghdr32Size = 28

	// Offsets of Controllen and Flags fields.
	msghdrControllen   = 40
	msghdrFlags        = 48
	msghdr32Controllen = 20
	msghdr32Flags      = 24
)

// Writes structure fields in the layout of a data model.
type layoutWriter struct {
	model DataModel
	buf   []byte
}

// A pointer or a long.
func (w *layoutWriter) word(v uint64) {
	if w.model == ILP32 {
		w.buf = nativeEndian.AppendUint32(w.buf, uint32(v)) //nolint:gosec
	} else {
		w.buf = nativeEndian.AppendUint64(w.buf, v)
	}
}

func (w *layoutWriter) int32(v int32) {
	w.buf = nativeEndian.AppendUint32(w.buf, uint32(v)) //nolint:gosec
}

// Padding after an int32 which is followed by a word.
func (w *layoutWriter) pad() {
	if w.model != ILP32 {
		w.buf = append(w.buf, 0, 0, 0, 0)
	}
}

// newMsghdr builds a block with iov and control data, one iovec pointing to iov and
// a msghdr pointing to iovec and control, in the layout of the data model. It returns
// the offset of msghdr within the block placed at start.
func newMsghdr(model DataModel, start uint64, iov, control []byte) (uint64, []byte) {
	w := layoutWriter{model: model}
	// We build unix.Iovec.Base in the buffer.
	w.buf = append(w.buf, iov...)
	// We build unix.Msghdr.Control in the buffer.
	w.buf = append(w.buf, control...)
	// We build unix.Iovec in the buffer.
	iovecOffset := uint64(len(w.buf))
	w.word(start)            // Base field.
	w.word(uint64(len(iov))) // Len field.
	offset := uint64(len(w.buf))
	// We build unix.Msghdr in the buffer.
	w.word(0)                   // Name field. Null pointer.
	w.int32(0)                  // Namelen field.
	w.pad()                     // Pad_cgo_0 field.
	w.word(start + iovecOffset) // Iov field.
	w.word(1)                   // Iovlen field.
	if len(control) > 0 {
		w.word(start + uint64(len(iov))) // Control field.
	} else {
		w.word(0)
	}
	w.word(uint64(len(control))) // Controllen field.
	w.int32(0)                   // Flags field.
	w.pad()                      // Pad_cgo_1 field.
	// Sanity check.
	size := uint64(msghdrSize)
	if model == ILP32 {
		size = msghdr32Size
	} else if size != uint64(unsafe.Sizeof(unix.Msghdr{})) { //nolint:exhaustruct
		panic(errors.New("msghdr size does not match the size of unix.Msghdr"))
	}
	if uint64(len(w.buf))-offset != size {
		panic(errors.New("msghdr in buffer does not match the size of msghdr"))
	}
	return offset, w.buf
}

// parseMsghdr reads Controllen and Flags fields of msghdr at offset in the block.
func parseMsghdr(model DataModel, block []byte, offset uint64) (uint64, int32) {
	if model == ILP32 {
		controln := nativeEndian.Uint32(block[offset+msghdr32Controllen:])
		flags := nativeEndian.Uint32(block[offset+msghdr32Flags:])
		return uint64(controln), int32(flags) //nolint:gosec
	}
	controln := nativeEndian.Uint64(block[offset+msghdrControllen:])
	flags := nativeEndian.Uint32(block[offset+msghdrFlags:])
	return controln, int32(flags) //nolint:gosec
}

const (
	// Size of struct cmsghdr and alignment of control messages of ILP32 processes.
	cmsghdr32Size  = 12
	cmsg32AlignTo  = 4
	cmsghdrLenSize = 4
)

func cmsg32Align(n int) int {
	return (n + cmsg32AlignTo - 1) &^ (cmsg32AlignTo - 1)
}

// controlTo32 converts control messages in the native layout into the layout
// expected by the kernel from ILP32 processes.
func controlTo32(control []byte) ([]byte, errors.E) {
	if len(control) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return nil, errors.Join(ErrInvalidArgument, errors.WithMessage(err, "parse socket control message"))
	}
	var buf []byte
	for _, cmsg := range cmsgs {
		length := cmsghdr32Size + len(cmsg.Data)
		buf = nativeEndian.AppendUint32(buf, uint32(length))             //nolint:gosec // Len field.
		buf = nativeEndian.AppendUint32(buf, uint32(cmsg.Header.Level)) //nolint:gosec // Level field.
		buf = nativeEndian.AppendUint32(buf, uint32(cmsg.Header.Type))  //nolint:gosec // Type field.
		buf = append(buf, cmsg.Data...)
		buf = append(buf, make([]byte, cmsg32Align(length)-length)...)
	}
	return buf, nil
}

// controlToNative converts control messages written by the kernel for an ILP32
// process into the native layout. Messages which do not fit into size bytes
// are dropped and truncated is set.
func controlToNative(control32 []byte, size int) ([]byte, bool, errors.E) {
	var buf []byte
	truncated := false
	for len(control32) >= cmsghdr32Size {
		length := int(nativeEndian.Uint32(control32))
		if length < cmsghdr32Size || length > len(control32) {
			return nil, false, errors.WithDetails(
				ErrUnexpectedControlMessage,
				"length", length,
				"available", len(control32),
			)
		}
		level := nativeEndian.Uint32(control32[cmsghdrLenSize:])
		typ := nativeEndian.Uint32(control32[cmsghdrLenSize+4:]) //nolint:mnd
		data := control32[cmsghdr32Size:length]

		if len(buf)+unix.CmsgSpace(len(data)) > size {
			truncated = true
			break
		}
		start := len(buf)
		buf = nativeEndian.AppendUint64(buf, uint64(unix.CmsgLen(len(data)))) //nolint:gosec // Len field.
		buf = nativeEndian.AppendUint32(buf, level)                           // Level field.
		buf = nativeEndian.AppendUint32(buf, typ)                             // Type field.
		buf = append(buf, data...)
		buf = append(buf, make([]byte, start+unix.CmsgSpace(len(data))-len(buf))...)

		next := cmsg32Align(length)
		if next > len(control32) {
			next = len(control32)
		}
		control32 = control32[next:]
	}
	return buf, truncated, nil
}
