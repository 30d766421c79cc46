// Package codec implements the two wire framings used on the daemon's
// sockets: line-delimited JSON for the local client socket, and
// length-prefixed JSON for the host-messaging query mode used to bootstrap
// the local client connection.
package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/extbridge/browserd/internal/xerrors"
)

// MaxLineFrame caps a single line-delimited JSON frame.
const MaxLineFrame = 4 * 1024 * 1024

// MaxLengthPrefixedFrame caps a single length-prefixed frame.
const MaxLengthPrefixedFrame = 16 * 1024 * 1024

// LineReader reads successive line-delimited JSON frames from a stream.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps r for repeated ReadFrame calls.
func NewLineReader(r io.Reader) *LineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxLineFrame+1)
	return &LineReader{scanner: s}
}

// ReadFrame returns the next newline-delimited frame, or io.EOF when the
// stream is exhausted. A frame over MaxLineFrame or invalid UTF-8 yields a
// protocol xerrors.Error rather than panicking.
func (lr *LineReader) ReadFrame() ([]byte, error) {
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return nil, xerrors.ErrFrameTooLarge
			}
			return nil, err
		}
		return nil, io.EOF
	}

	line := lr.scanner.Bytes()
	if len(line) > MaxLineFrame {
		return nil, xerrors.ErrFrameTooLarge
	}
	if !utf8.Valid(line) {
		return nil, xerrors.ErrMalformedFrame
	}

	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

// WriteLine writes a single JSON frame followed by '\n'.
func WriteLine(w io.Writer, frame []byte) error {
	if len(frame) > MaxLineFrame {
		return xerrors.ErrFrameTooLarge
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte{'\n'})
	return err
}

// ReadLengthPrefixed reads one 4-byte-little-endian-length-prefixed JSON
// frame from r, as used by the host-messaging query mode.
func ReadLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxLengthPrefixedFrame {
		return nil, xerrors.ErrFrameTooLarge
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if !utf8.Valid(buf) {
		return nil, xerrors.ErrMalformedFrame
	}
	return buf, nil
}

// WriteLengthPrefixed writes frame prefixed with its 4-byte little-endian length.
func WriteLengthPrefixed(w io.Writer, frame []byte) error {
	if len(frame) > MaxLengthPrefixedFrame {
		return xerrors.ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	buf := bytes.NewBuffer(make([]byte, 0, 4+len(frame)))
	buf.Write(lenBuf[:])
	buf.Write(frame)
	_, err := w.Write(buf.Bytes())
	return err
}

// typeSniff extracts the "type" field without fully decoding the payload.
type typeSniff struct {
	Type *string `json:"type"`
}

// DecodeTyped unmarshals raw into v, first verifying raw is valid JSON
// carrying a non-empty "type" field, so invalid JSON or a missing type
// never panics the caller.
func DecodeTyped(raw []byte, v interface{}) error {
	var sniff typeSniff
	if err := json.Unmarshal(raw, &sniff); err != nil {
		return xerrors.Wrap(xerrors.KindProtocol, xerrors.ErrMalformedFrame.Message, err)
	}
	if sniff.Type == nil || *sniff.Type == "" {
		return xerrors.ErrMalformedFrame
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return xerrors.Wrap(xerrors.KindProtocol, xerrors.ErrMalformedFrame.Message, err)
	}
	return nil
}

// PeekType returns the "type" field of a JSON object without fully decoding it.
func PeekType(raw []byte) (string, bool) {
	var sniff typeSniff
	if err := json.Unmarshal(raw, &sniff); err != nil || sniff.Type == nil {
		return "", false
	}
	return *sniff.Type, true
}
