package wallet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// TerminalPrompter asks on a terminal. An empty answer declines.
type TerminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalPrompter reads answers from in and writes questions to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out}
}

func (p *TerminalPrompter) Prompt(ctx context.Context, req Request) (Approval, error) {
	fmt.Fprintf(p.out, "%s\nPassphrase for %s (empty to decline): ", req.Message, req.Account.Hex())

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return Approval{}, fmt.Errorf("%s prompt abandoned (%v): %w", req.Kind, ctx.Err(), lottery.ErrUserRejected)
	case a := <-ch:
		line := strings.TrimRight(a.line, "\r\n")
		if a.err != nil && line == "" {
			return Approval{}, fmt.Errorf("%s prompt: %w", req.Kind, lottery.ErrUserRejected)
		}
		if line == "" {
			return Approval{}, fmt.Errorf("%s prompt declined: %w", req.Kind, lottery.ErrUserRejected)
		}
		return Approval{Passphrase: line}, nil
	}
}
