package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// WaitForOperator blocks until the operator presses Enter on a terminal.
// When in is not a terminal it waits for fallback instead.
func WaitForOperator(ctx context.Context, in io.Reader, prompt io.Writer, fallback time.Duration) error {
	if f, ok := in.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		fmt.Fprint(prompt, "Press Enter once you are logged in... ")
		return waitForLine(ctx, in)
	}
	log.Printf("[Session] Not a terminal; waiting %s for the login to finish", fallback)
	return sleep(ctx, fallback)
}

func waitForLine(ctx context.Context, in io.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(in).ReadString('\n')
		if err == io.EOF {
			err = nil
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
