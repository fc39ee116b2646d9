package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/kboot/internal/console"
	"github.com/tinyrange/kboot/internal/handoff"
	"github.com/tinyrange/kboot/internal/kernel"
	"github.com/tinyrange/kboot/internal/machine"
	"github.com/tinyrange/kboot/internal/memmap"
	"github.com/tinyrange/kboot/internal/trace"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "kboot: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `kboot - run the boot stage against a simulated machine

USAGE:
  kboot run [-machine FILE] [-trace FILE] [-png FILE] [-debug]
  kboot template [-o FILE]

Without -machine, run uses the built-in default machine.
`)
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("command required")
	}
	switch args[0] {
	case "run":
		return runBoot(args[1:])
	case "template":
		return runTemplate(args[1:])
	case "-h", "-help", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runTemplate(args []string) error {
	fs := flag.NewFlagSet("template", flag.ExitOnError)
	out := fs.String("o", machine.DefaultFilename, "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := machine.WriteTemplate(*out, machine.Default()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}

func runBoot(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	machinePath := fs.String("machine", "", "machine description (YAML)")
	tracePath := fs.String("trace", "", "write a binary boot trace to this file")
	pngPath := fs.String("png", "", "save the framebuffer as PNG after the kernel runs")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	m := machine.Default()
	if *machinePath != "" {
		var err error
		m, err = machine.Load(*machinePath)
		if err != nil {
			return err
		}
	}

	isTerminal := term.IsTerminal(int(os.Stdout.Fd()))

	var progress io.Writer
	if isTerminal {
		progress = progressbar.DefaultBytes(-1, "reading kernel")
	}

	fw, err := m.Build(machine.Options{Progress: progress, Logger: logger})
	if err != nil {
		return fmt.Errorf("build machine %s: %w", m.Name, err)
	}
	defer fw.Close()

	var tl *trace.Log
	if *tracePath != "" {
		tl, err = trace.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer tl.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	con := &console.Terminal{Out: os.Stdout, In: os.Stdin, Color: isTerminal}
	l := &handoff.Loader{
		Services: fw.Services(con),
		Logger:   logger,
		Trace:    tl,
	}

	res, err := l.Boot(ctx)
	if err != nil && !errors.Is(err, handoff.ErrKernelReturned) {
		return err
	}
	if res == nil {
		return err
	}

	fmt.Printf("framebuffer: %s\n", res.Record.Framebuffer)
	fmt.Printf("boot record: %#x\n", res.RecordAddress)
	fmt.Printf("entry:       %#x\n", res.Entry)
	for _, seg := range res.Segments {
		fmt.Printf("segment %d:   %#x-%#x (file %#x)\n", seg.Index, seg.Address, seg.End(), seg.FileSize)
	}
	regions, err := res.Snapshot.Regions()
	if err != nil {
		return fmt.Errorf("decode memory map: %w", err)
	}
	for _, r := range regions {
		fmt.Printf("  %s\n", r)
	}
	fmt.Printf("memory map:  %s\n", memmap.Summarize(regions))

	if *pngPath != "" {
		if err := kernel.SavePNG(*pngPath, fw.Memory(), res.RecordAddress); err != nil {
			return fmt.Errorf("save framebuffer: %w", err)
		}
		slog.Info("saved framebuffer", "path", *pngPath)
	}
	return nil
}
