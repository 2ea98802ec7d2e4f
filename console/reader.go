package console

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

// LineReader yields operator input one line at a time. ReadLine returns io.EOF
// when input ends.
type LineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// NewLineReader edits lines with liner when in is a terminal and falls back
// to plain scanning otherwise.
func NewLineReader(in *os.File, historyFile string) LineReader {
	if isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd()) {
		return newTermReader(historyFile)
	}
	return &scanReader{scanner: bufio.NewScanner(in)}
}

type termReader struct {
	*liner.State
	historyFile string
}

func newTermReader(historyFile string) *termReader {
	r := &termReader{State: liner.NewLiner(), historyFile: historyFile}
	r.SetCtrlCAborts(true)
	if historyFile != "" {
		_ = r.historyLoad()
	}
	return r
}

func (r *termReader) ReadLine(prompt string) (string, error) {
	line, err := r.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if line != "" {
		r.AppendHistory(line)
	}
	return line, nil
}

func (r *termReader) historyLoad() error {
	content, err := os.ReadFile(r.historyFile)
	if err != nil {
		return err
	}
	_, err = r.ReadHistory(bytes.NewReader(content))
	return err
}

func (r *termReader) historySave() error {
	var buf bytes.Buffer
	if _, err := r.WriteHistory(&buf); err != nil {
		return err
	}
	return os.WriteFile(r.historyFile, buf.Bytes(), 0o644)
}

func (r *termReader) Close() error {
	var err error
	if r.historyFile != "" {
		err = r.historySave()
	}
	if cerr := r.State.Close(); err == nil {
		err = cerr
	}
	return err
}

type scanReader struct {
	scanner *bufio.Scanner
}

func (r *scanReader) ReadLine(string) (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *scanReader) Close() error { return nil }
