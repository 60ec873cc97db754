// Command ftpfs runs file operations against an FTP server described by a
// TOML configuration file.
//
//	ftpfs -c server.toml ls -r /pub
//	ftpfs -c server.toml put ./report.pdf reports/2024.pdf --visibility private
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gonzalop/ftpfs"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type globalOptions struct {
	Config  string `short:"c" long:"config" env:"FTPFS_CONFIG" description:"TOML configuration file"`
	LogFile string `long:"log-file" description:"Write logs to a rotating file instead of stderr"`
	Verbose bool   `short:"v" long:"verbose" description:"Log every command and reply"`
}

// runner is implemented by every sub-command.
type runner interface {
	run(ctx context.Context, fsys *ftpfs.Filesystem, out io.Writer) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, ferr.Message)
			return
		}
		fmt.Fprintln(os.Stderr, "ftpfs:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var opts globalOptions
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	addCommands(parser)

	parser.CommandHandler = func(cmd flags.Commander, _ []string) error {
		r, ok := cmd.(runner)
		if !ok {
			return fmt.Errorf("unsupported command %T", cmd)
		}
		if opts.Config == "" {
			return errors.New("no configuration file given, use --config or FTPFS_CONFIG")
		}
		logger, err := newLogger(opts.LogFile, opts.Verbose)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		cfg, err := ftpfs.LoadConfig(opts.Config)
		if err != nil {
			return err
		}
		if opts.Verbose {
			cfg.Verbose = true
		}
		fsys, err := ftpfs.New(cfg, ftpfs.WithLogger(logger))
		if err != nil {
			return err
		}
		defer fsys.Close()

		err = r.run(ctx, fsys, out)
		if err != nil {
			logger.Debug("command failed", zap.String("command", parser.Active.Name), zap.Error(err))
		}
		return err
	}

	_, err := parser.ParseArgs(args)
	return err
}

func addCommands(p *flags.Parser) {
	commands := []struct {
		name, short string
		data        any
	}{
		{"ls", "List a directory", &lsCommand{}},
		{"get", "Download a file", &getCommand{}},
		{"put", "Upload a file", &putCommand{}},
		{"rm", "Delete a file", &rmCommand{}},
		{"mv", "Move a file", &mvCommand{}},
		{"cp", "Copy a file", &cpCommand{}},
		{"mkdir", "Create a directory", &mkdirCommand{}},
		{"rmdir", "Delete a directory", &rmdirCommand{}},
		{"stat", "Show file metadata", &statCommand{}},
		{"chmod", "Set public or private visibility", &chmodCommand{}},
	}
	for _, c := range commands {
		// Only fails on malformed struct tags.
		if _, err := p.AddCommand(c.name, c.short, "", c.data); err != nil {
			panic(err)
		}
	}
}
