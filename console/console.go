// Package console is the operator prompt of the server. EXIT stops the
// server; other commands are registered by the process.
package console

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fzft/go-mini-tomcat/log"
	"go.uber.org/zap"
)

const Prompt = "minitomcat> "

// Command is one console verb. Names are matched case-insensitively.
type Command struct {
	Name  string
	Usage string
	Run   func(w io.Writer, args []string) error
}

type Console struct {
	in          LineReader
	out         io.Writer
	interactive bool

	mu       sync.RWMutex
	commands map[string]Command
}

// New builds a console reading from in. interactive decides what end of input
// means: the operator leaving (true) or a detached process (false).
func New(in LineReader, out io.Writer, interactive bool) *Console {
	c := &Console{in: in, out: out, interactive: interactive, commands: make(map[string]Command)}
	c.Register(Command{Name: "help", Usage: "help  list commands", Run: c.help})
	c.Register(Command{Name: "exit", Usage: "EXIT  stop the server"})
	return c
}

func (c *Console) Register(cmd Command) {
	c.mu.Lock()
	c.commands[strings.ToLower(cmd.Name)] = cmd
	c.mu.Unlock()
}

func (c *Console) help(w io.Writer, _ []string) error {
	c.mu.RLock()
	usages := make([]string, 0, len(c.commands))
	for _, cmd := range c.commands {
		usages = append(usages, cmd.Usage)
	}
	c.mu.RUnlock()
	sort.Strings(usages)
	for _, u := range usages {
		if _, err := fmt.Fprintln(w, u); err != nil {
			return err
		}
	}
	return nil
}

type line struct {
	text string
	err  error
}

// Run reads commands until EXIT, the end of interactive input, or ctx is done.
// It returns nil in all three cases; a non-nil error is a read failure.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan line)
	next := make(chan struct{}, 1)
	quit := make(chan struct{})
	defer close(quit)
	// the reader may stay blocked in ReadLine after Run returns
	go func() {
		for {
			select {
			case <-next:
			case <-quit:
				return
			}
			text, err := c.in.ReadLine(Prompt)
			select {
			case lines <- line{text: text, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		next <- struct{}{}
		var l line
		select {
		case <-ctx.Done():
			return nil
		case l = <-lines:
		}
		if l.err == io.EOF {
			if c.interactive {
				return nil
			}
			log.Logger.Info("console input closed")
			<-ctx.Done()
			return nil
		}
		if l.err != nil {
			return fmt.Errorf("console: read: %w", l.err)
		}
		if stop := c.Exec(l.text); stop {
			return nil
		}
	}
}

// Exec runs one input line and reports whether it asked to stop the server.
func (c *Console) Exec(input string) bool {
	args := strings.Fields(input)
	if len(args) == 0 {
		return false
	}
	name := strings.ToLower(args[0])
	if name == "exit" {
		log.Logger.Info("exit requested from console")
		return true
	}
	c.mu.RLock()
	cmd, ok := c.commands[name]
	c.mu.RUnlock()
	if !ok || cmd.Run == nil {
		fmt.Fprintf(c.out, "(error) unknown command '%s', try help\n", args[0])
		return false
	}
	if err := cmd.Run(c.out, args[1:]); err != nil {
		log.Logger.Debug("console command failed", zap.String("command", name), zap.Error(err))
		fmt.Fprintf(c.out, "(error) %v\n", err)
	}
	return false
}
