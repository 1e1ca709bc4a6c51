package echo

import (
	"context"

	"github.com/shaunagostinho/psoc-bridge/internal/command"
)

// Executor runs a function against the bound command channel.
type Executor interface {
	Exec(ctx context.Context, fn func(ctx context.Context, ch *command.Channel) error) error
}

// USB echoes through the command function's ECHO_STRING command.
type USB struct {
	exec Executor
}

func NewUSB(exec Executor) *USB { return &USB{exec: exec} }

func (u *USB) Name() string { return "usb" }

func (u *USB) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	var got string
	err := u.exec.Exec(ctx, func(ctx context.Context, ch *command.Channel) error {
		var err error
		got, err = ch.Echo(ctx, string(payload))
		return err
	})
	if err != nil {
		return nil, err
	}
	return []byte(got), nil
}
