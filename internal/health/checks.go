package health

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Pinger is implemented by dependencies that can report their own
// reachability, such as the recording store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a checker named name that pings p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Ready returns a checker that fails with reason while ready reports false.
func Ready(name string, ready func() bool, reason string) Checker {
	return Checker{Name: name, Check: func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !ready() {
			return errors.New(reason)
		}
		return nil
	}}
}

// WritableDir returns a checker that verifies dir exists and accepts new
// files. Recordings are lost when the output directory turns read-only, so
// the probe creates and removes a scratch file.
func WritableDir(name, dir string) Checker {
	return Checker{Name: name, Check: func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		f, err := os.CreateTemp(dir, ".earshot-probe-*")
		if err != nil {
			return err
		}
		path := f.Name()
		return errors.Join(f.Close(), os.Remove(path))
	}}
}
