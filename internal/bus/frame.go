// Package bus implements the framed request/reply/publish fabric the
// gateway speaks to its consumers, modeled on the teacher protocol's
// metadata-header-plus-body wire format (see gcom_fims.cpp's
// gcom_recv_raw_message / parseHeader): a fixed-size length header
// (method, uri, replyto, process_name, username) followed by a body.
package bus

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// header mirrors Meta_Data_Info: six little-endian uint32 lengths, in
// method/uri/replyto/process_name/username/body order, immediately followed by
// a concatenated string section and then the body.
type header struct {
	MethodLen      uint32
	URILen         uint32
	ReplyToLen     uint32
	ProcessNameLen uint32
	UsernameLen    uint32
	BodyLen        uint32
}

const headerSize = 6 * 4

// Message is one parsed frame.
type Message struct {
	Method      string
	URI         string
	ReplyTo     string
	ProcessName string
	Username    string
	Body        []byte
}

func writeHeader(w io.Writer, h header) error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.MethodLen)
	binary.LittleEndian.PutUint32(buf[4:8], h.URILen)
	binary.LittleEndian.PutUint32(buf[8:12], h.ReplyToLen)
	binary.LittleEndian.PutUint32(buf[12:16], h.ProcessNameLen)
	binary.LittleEndian.PutUint32(buf[16:20], h.UsernameLen)
	binary.LittleEndian.PutUint32(buf[20:24], h.BodyLen)
	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return header{}, err
	}
	return header{
		MethodLen:      binary.LittleEndian.Uint32(buf[0:4]),
		URILen:         binary.LittleEndian.Uint32(buf[4:8]),
		ReplyToLen:     binary.LittleEndian.Uint32(buf[8:12]),
		ProcessNameLen: binary.LittleEndian.Uint32(buf[12:16]),
		UsernameLen:    binary.LittleEndian.Uint32(buf[16:20]),
		BodyLen:        binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// WriteMessage frames and writes one message: header, then the
// method/uri/replyto/process_name/username views concatenated, then body.
func WriteMessage(w *bufio.Writer, m Message) error {
	h := header{
		MethodLen:      uint32(len(m.Method)),
		URILen:         uint32(len(m.URI)),
		ReplyToLen:     uint32(len(m.ReplyTo)),
		ProcessNameLen: uint32(len(m.ProcessName)),
		UsernameLen:    uint32(len(m.Username)),
		BodyLen:        uint32(len(m.Body)),
	}
	if err := writeHeader(w, h); err != nil {
		return err
	}
	for _, s := range []string{m.Method, m.URI, m.ReplyTo, m.ProcessName, m.Username} {
		if _, err := w.WriteString(s); err != nil {
			return err
		}
	}
	if _, err := w.Write(m.Body); err != nil {
		return err
	}
	return w.Flush()
}

// ReadMessage performs the two-stage read: fixed header, then a body
// buffer sized from the header, mirroring the teacher protocol's two-iovec
// readv (metadata prefix + body buffer).
func ReadMessage(r *bufio.Reader) (Message, error) {
	h, err := readHeader(r)
	if err != nil {
		return Message{}, err
	}
	total := int(h.MethodLen + h.URILen + h.ReplyToLen + h.ProcessNameLen + h.UsernameLen + h.BodyLen)
	if total < 0 || total > 64<<20 {
		return Message{}, fmt.Errorf("bus: implausible frame size %d", total)
	}
	buf := make([]byte, total)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, err
	}
	ix := 0
	take := func(n uint32) string {
		s := string(buf[ix : ix+int(n)])
		ix += int(n)
		return s
	}
	m := Message{
		Method:      take(h.MethodLen),
		URI:         take(h.URILen),
		ReplyTo:     take(h.ReplyToLen),
		ProcessName: take(h.ProcessNameLen),
		Username:    take(h.UsernameLen),
	}
	m.Body = buf[ix : ix+int(h.BodyLen)]
	return m, nil
}
