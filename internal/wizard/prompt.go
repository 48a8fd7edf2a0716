package wizard

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter reads answers to interactive questions.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// StdPrompter returns a Prompter on stdin and stdout.
func StdPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) line() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask reads one line, falling back to def on an empty answer.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		p.printf("%s [%s]: ", question, def)
	} else {
		p.printf("%s: ", question)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskSecret reads a line without echo when stdin is a terminal.
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// AskList reads a comma-separated list.
func (p *Prompter) AskList(question string, def []string) []string {
	ans := p.Ask(question, strings.Join(def, ","))
	var out []string
	for _, item := range strings.Split(ans, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// AskDuration re-asks until the answer parses as a duration.
func (p *Prompter) AskDuration(question string, def time.Duration) time.Duration {
	for {
		d, err := time.ParseDuration(p.Ask(question, def.String()))
		if err == nil && d >= 0 {
			return d
		}
		p.printf("  Please enter a duration such as 5s or 1m.\n")
	}
}

// Choose lists options and returns the selected one.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == def {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}
	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(def+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}
