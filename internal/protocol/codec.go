package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mattjoyce/deployd/internal/deployment"
)

// DefaultMaxLineBytes bounds a single encoded message.
const DefaultMaxLineBytes = 1 << 20

// Decode parses one envelope and validates its payload against the tag.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, malformed("", "invalid JSON: %v", err)
	}
	if env.Type == "" {
		return Message{}, malformed("", "missing type")
	}

	switch env.Type {
	case TypeLoad:
		return decodeLoad(env.Data)
	case TypeMetadata:
		return decodeMetadata(env.Data)
	case TypeError:
		return decodeError(env.Data)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeLoad(data json.RawMessage) (Message, error) {
	if !isObject(data) {
		return Message{}, malformed(TypeLoad, "data must be an object")
	}
	var d deployment.Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return Message{}, malformed(TypeLoad, "%v", err)
	}
	if err := d.Validate(); err != nil {
		return Message{}, malformed(TypeLoad, "%v", err)
	}
	return NewLoad(d), nil
}

func decodeMetadata(data json.RawMessage) (Message, error) {
	if !isObject(data) {
		return Message{}, malformed(TypeMetadata, "data must be an object")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, malformed(TypeMetadata, "%v", err)
	}
	if len(raw) == 0 {
		return Message{}, malformed(TypeMetadata, "no applications")
	}

	meta := make(Metadata, len(raw))
	for name, entry := range raw {
		if name == "" {
			return Message{}, malformed(TypeMetadata, "empty application name")
		}
		if !isObject(entry) {
			return Message{}, malformed(TypeMetadata, "application %q must be an object", name)
		}
		var app Application
		if err := json.Unmarshal(entry, &app); err != nil {
			return Message{}, malformed(TypeMetadata, "application %q: %v", name, err)
		}
		if app.LanguageID == "" {
			return Message{}, malformed(TypeMetadata, "application %q: missing language_id", name)
		}
		meta[name] = app
	}
	return NewMetadata(meta), nil
}

func decodeError(data json.RawMessage) (Message, error) {
	if !isObject(data) {
		return Message{}, malformed(TypeError, "data must be an object")
	}
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Message{}, malformed(TypeError, "%v", err)
	}
	if p.Message == "" {
		return Message{}, malformed(TypeError, "missing message")
	}
	return Message{Type: TypeError, Error: &p}, nil
}

func isObject(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Encoder writes one message per line. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msg followed by a newline in a single write.
func (e *Encoder) Encode(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	b = append(b, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

// Reader yields messages in the order they were written.
type Reader struct {
	br      *bufio.Reader
	maxLine int
}

// NewReader returns a Reader over r. A line longer than maxLine bytes is
// skipped up to its newline and reported as a MalformedError.
func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	size := 4096
	if maxLine < size {
		size = maxLine
	}
	return &Reader{br: bufio.NewReaderSize(r, size), maxLine: maxLine}
}

// Next returns the next message. Blank lines are skipped. A MalformedError or
// ErrUnknownType concerns only that line and the stream can keep being read;
// io.EOF and other errors end it.
func (r *Reader) Next() (Message, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return Message{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
}

// readLine returns one line without its newline. An unterminated last line is
// returned before io.EOF. Oversized lines are consumed but never buffered whole.
func (r *Reader) readLine() ([]byte, error) {
	var (
		line    []byte
		read    int
		tooLong bool
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		read += len(chunk)
		if !tooLong {
			line = append(line, chunk...)
			if len(bytes.TrimSuffix(line, []byte{'\n'})) > r.maxLine {
				tooLong = true
				line = nil
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && read > 0:
		default:
			return nil, err
		}

		if tooLong {
			return nil, malformed("", "line of %d bytes exceeds the %d byte limit", read, r.maxLine)
		}
		return bytes.TrimSuffix(line, []byte{'\n'}), nil
	}
}

// Recoverable reports whether err from Next concerns a single line only.
func Recoverable(err error) bool {
	var me *MalformedError
	return errors.As(err, &me) || errors.Is(err, ErrUnknownType)
}
