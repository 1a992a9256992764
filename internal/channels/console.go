package channels

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Console delivers pipeline output to a writer, stdout by default. It
// has no inbound side; the CLI submits directly.
type Console struct {
	out io.Writer
}

// NewConsole creates a console channel writing to out, or stdout when
// out is nil.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out}
}

func (c *Console) Name() string                    { return "console" }
func (c *Console) Start(_ context.Context) error   { return nil }
func (c *Console) Stop(_ context.Context) error    { return nil }

func (c *Console) DeliverText(_ context.Context, _ string, text string) error {
	_, err := fmt.Fprintln(c.out, text)
	return err
}

func (c *Console) SendFile(_ context.Context, _ string, path, caption string) error {
	if caption != "" {
		_, err := fmt.Fprintf(c.out, "%s: %s\n", caption, path)
		return err
	}
	_, err := fmt.Fprintf(c.out, "file: %s\n", path)
	return err
}
