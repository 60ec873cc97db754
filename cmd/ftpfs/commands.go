package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/gonzalop/ftpfs"
)

// command makes sub-commands satisfy flags.Commander so that the parser
// hands them to its CommandHandler.
type command struct{}

func (command) Execute([]string) error { return errors.New("no command handler installed") }

type lsCommand struct {
	command
	Recursive bool `short:"r" long:"recursive" description:"List sub-directories too"`
	Args      struct {
		Path string `positional-arg-name:"path"`
	} `positional-args:"yes"`
}

func (c *lsCommand) run(ctx context.Context, fsys *ftpfs.Filesystem, out io.Writer) error {
	for e, err := range fsys.ListContents(ctx, c.Args.Path, c.Recursive) {
		if err != nil {
			return err
		}
		printEntry(out, e)
	}
	return nil
}

type getCommand struct {
	command
	Args struct {
		Remote string `positional-arg-name:"remote" required:"yes"`
		Local  string `positional-arg-name:"local" description:"Destination file, stdout when empty or -"`
	} `positional-args:"yes"`
}

func (c *getCommand) run(ctx context.Context, fsys *ftpfs.Filesystem, out io.Writer) error {
	if c.Args.Local == "" || c.Args.Local == "-" {
		return fsys.ReadStream(ctx, c.Args.Remote, out)
	}
	f, err := os.Create(c.Args.Local)
	if err != nil {
		return err
	}
	if err := fsys.ReadStream(ctx, c.Args.Remote, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type putCommand struct {
	command
	Visibility          string `long:"visibility" choice:"public" choice:"private" description:"Visibility of the uploaded file"`
	DirectoryVisibility string `long:"directory-visibility" choice:"public" choice:"private" description:"Visibility of created parent directories"`
	Args                struct {
		Local  string `positional-arg-name:"local" required:"yes"`
		Remote string `positional-arg-name:"remote" required:"yes"`
	} `positional-args:"yes"`
}

func (c *putCommand) run(ctx context.Context, fsys *ftpfs.Filesystem, _ io.Writer) error {
	var r io.Reader = os.Stdin
	if c.Args.Local != "-" {
		f, err := os.Open(c.Args.Local)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	return fsys.WriteStream(ctx, c.Args.Remote, r, ftpfs.WriteOptions{
		Visibility:          c.Visibility,
		DirectoryVisibility: c.DirectoryVisibility,
	})
}

type rmCommand struct {
	command
	Args struct {
		Path string `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes"`
}

func (c *rmCommand) run(ctx context.Context, fsys *ftpfs.Filesystem, _ io.Writer) error {
	return fsys.Delete(ctx, c.Args.Path)
}

type mvCommand struct {
	command
	Args struct {
		Source      string `positional-arg-name:"source" required:"yes"`
		Destination string `positional-arg-name:"destination" required:"yes"`
	} `positional-args:"yes"`
}

func (c *mvCommand) run(ctx context.Context, fsys *ftpfs.Filesystem, _ io.Writer) error {
	return fsys.Move(ctx, c.Args.Source, c.Args.Destination)
}

type cpCommand struct {
	command
	Visibility string `long:"visibility" choice:"public" choice:"private" description:"Visibility of the copy"`
	Args       struct {
		Source      string `positional-arg-name:"source" required:"yes"`
		Destination string `positional-arg-name:"destination" required:"yes"`
	} `positional-args:"yes"`
}

func (c *cpCommand) run(ctx context.Context, fsys *ftpfs.Filesystem, _ io.Writer) error {
	return fsys.Copy(ctx, c.Args.Source, c.Args.Destination, ftpfs.WriteOptions{Visibility: c.Visibility})
}

type mkdirCommand struct {
	command
	Visibility string `long:"visibility" choice:"public" choice:"private" description:"Visibility of the created directories"`
	Args       struct {
		Path string `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes"`
}

func (c *mkdirCommand) run(ctx context.Context, fsys *ftpfs.Filesystem, _ io.Writer) error {
	return fsys.CreateDirectory(ctx, c.Args.Path, ftpfs.WriteOptions{DirectoryVisibility: c.Visibility})
}

type rmdirCommand struct {
	command
	Args struct {
		Path string `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes"`
}

func (c *rmdirCommand) run(ctx context.Context, fsys *ftpfs.Filesystem, _ io.Writer) error {
	return fsys.DeleteDirectory(ctx, c.Args.Path)
}

type statCommand struct {
	command
	Args struct {
		Path string `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes"`
}

func (c *statCommand) run(ctx context.Context, fsys *ftpfs.Filesystem, out io.Writer) error {
	e, err := fsys.Metadata(ctx, c.Args.Path)
	if err != nil {
		return err
	}
	if !e.IsDir() {
		if mt, err := fsys.LastModified(ctx, c.Args.Path); err == nil {
			e.LastModified = mt.LastModified
		}
		if m, err := fsys.MimeType(ctx, c.Args.Path); err == nil {
			e.MimeType = m.MimeType
		}
	}
	fmt.Fprintf(out, "path:       %s\n", e.Path)
	fmt.Fprintf(out, "type:       %s\n", e.Type)
	fmt.Fprintf(out, "size:       %d\n", e.Size)
	fmt.Fprintf(out, "mode:       %s\n", modeString(e))
	fmt.Fprintf(out, "visibility: %s\n", e.Visibility)
	if !e.LastModified.IsZero() {
		fmt.Fprintf(out, "modified:   %s\n", e.LastModified.Format(time.RFC3339))
	}
	if e.MimeType != "" {
		fmt.Fprintf(out, "mime type:  %s\n", e.MimeType)
	}
	return nil
}

type chmodCommand struct {
	command
	Args struct {
		Path       string `positional-arg-name:"path" required:"yes"`
		Visibility string `positional-arg-name:"visibility" required:"yes" description:"public or private"`
	} `positional-args:"yes"`
}

func (c *chmodCommand) run(ctx context.Context, fsys *ftpfs.Filesystem, _ io.Writer) error {
	return fsys.SetVisibility(ctx, c.Args.Path, c.Args.Visibility)
}

func printEntry(out io.Writer, e ftpfs.Entry) {
	modified := "-"
	if !e.LastModified.IsZero() {
		modified = e.LastModified.Format("2006-01-02 15:04")
	}
	fmt.Fprintf(out, "%s %10d %16s %s\n", modeString(e), e.Size, modified, e.Path)
}

func modeString(e ftpfs.Entry) string {
	m := fs.FileMode(e.Mode).Perm()
	if e.IsDir() {
		m |= fs.ModeDir
	}
	return m.String()
}
