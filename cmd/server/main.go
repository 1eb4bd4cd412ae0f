package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/promptvault/promptvault/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Dev     bool `help:"Enable development mode (debug logging, pretty output)."`
		Version kong.VersionFlag
		Server  commands.ServerCmd `cmd:"" help:"Start the server."`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Dev: cli.Dev, Version: version})
	cmd.FatalIfErrorf(err)
}
