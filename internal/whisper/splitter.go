package whisper

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// minFragment is the shortest buffer flushed as a fragment. Shorter
// buffers carry over to the next delimiter.
const minFragment = 3

var clearLine = []byte("\x1b[2")

// Split reads whisper-stream output and calls emit for each fragment.
// Fragments end at a newline, carriage return, '.' or '?'; the ANSI
// erase-line sequence ESC[2K discards the partial line.
func Split(r io.Reader, emit func(string)) error {
	br := bufio.NewReader(r)
	var buf []byte

	flush := func() {
		if len(buf) < minFragment {
			return
		}
		text := strings.TrimSpace(string(buf))
		buf = buf[:0]
		if text != "" {
			emit(text)
		}
	}

	for {
		c, err := br.ReadByte()
		if err == io.EOF {
			flush()
			return nil
		}
		if err != nil {
			return err
		}

		switch c {
		case '\n', '\r':
			flush()
		case '.', '?':
			buf = append(buf, c)
			flush()
		case 'K':
			if bytes.HasSuffix(buf, clearLine) {
				buf = buf[:0]
				continue
			}
			buf = append(buf, c)
		default:
			buf = append(buf, c)
		}
	}
}

// isAnnotation reports markers such as "[BLANK_AUDIO]" or "(music)" that
// whisper prints instead of speech.
func isAnnotation(text string) bool {
	if len(text) < 2 {
		return false
	}
	first, last := text[0], text[len(text)-1]
	return (first == '[' && last == ']') || (first == '(' && last == ')')
}
