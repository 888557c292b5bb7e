package reports

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Issue is one line of a report file.
type Issue struct {
	Rule      string `json:"rule"`
	Severity  string `json:"severity"`
	Component string `json:"component"`
	Line      int    `json:"line,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Iterator streams issues from a JSON Lines report. Blank lines are skipped.
type Iterator struct {
	f    *os.File
	sc   *bufio.Scanner
	line int
	cur  Issue
	err  error
}

func Open(path string) (*Iterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	return &Iterator{f: f, sc: sc}, nil
}

// Next advances to the next issue. It returns false at the end of the file
// or on the first malformed line; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.sc.Scan() {
		it.line++
		raw := strings.TrimSpace(it.sc.Text())
		if raw == "" {
			continue
		}
		var is Issue
		if err := json.Unmarshal([]byte(raw), &is); err != nil {
			it.err = fmt.Errorf("line %d: %w", it.line, err)
			return false
		}
		if is.Rule == "" {
			it.err = fmt.Errorf("line %d: rule missing", it.line)
			return false
		}
		it.cur = is
		return true
	}
	if err := it.sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		it.err = err
	}
	return false
}

func (it *Iterator) Issue() Issue { return it.cur }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Close() error { return it.f.Close() }
