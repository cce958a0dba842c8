package worker

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const utf8BOM = "\ufeff"

// countDataRows returns the number of lines after the header, never below zero.
func countDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	lines, err := countLines(f)
	if err != nil {
		return 0, fmt.Errorf("count csv lines: %w", err)
	}
	return max(0, lines-1), nil
}

// countLines counts newline-terminated lines plus an unterminated last line.
func countLines(r io.Reader) (int, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 32*1024)

	count := 0
	var last byte
	sawBytes := false
	for {
		n, err := br.Read(buf)
		if n > 0 {
			count += bytes.Count(buf[:n], []byte{'\n'})
			last = buf[n-1]
			sawBytes = true
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
	}

	if sawBytes && last != '\n' {
		count++
	}
	return count, nil
}

// normalizeHeader lower-cases and trims column names so "Title " matches "title".
func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		out[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return out
}

// recordMap pairs header names with record values. Missing trailing fields
// map to "", extra fields are dropped.
func recordMap(header, record []string) map[string]string {
	m := make(map[string]string, len(header))
	for i, name := range header {
		if name == "" {
			continue
		}
		if i < len(record) {
			m[name] = record[i]
		} else {
			m[name] = ""
		}
	}
	return m
}

// rawTap keeps the bytes a csv.Reader has pulled from the file so the source
// text of a record can be recovered by input offset.
type rawTap struct {
	r    io.Reader
	buf  []byte
	base int64
}

func (t *rawTap) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.buf = append(t.buf, p[:n]...)
	return n, err
}

// span returns the text between two input offsets without the line ending.
func (t *rawTap) span(start, end int64) string {
	lo := max(0, start-t.base)
	hi := min(int64(len(t.buf)), end-t.base)
	if hi <= lo {
		return ""
	}
	return strings.TrimRight(string(t.buf[lo:hi]), "\r\n")
}

// discard drops everything before offset.
func (t *rawTap) discard(offset int64) {
	drop := min(int64(len(t.buf)), offset-t.base)
	if drop <= 0 {
		return
	}
	t.buf = append(t.buf[:0], t.buf[drop:]...)
	t.base += drop
}
