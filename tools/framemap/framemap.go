package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"cowos/kernel"
	"cowos/kernel/kmain"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[framemap] error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	memory := flag.Uint("memory-mb", 8, "the amount of simulated RAM in megabytes")
	harts := flag.Int("harts", 2, "the number of simulated harts")
	eager := flag.Bool("eager-heap", false, "back sbrk memory immediately instead of on first touch")
	timeout := flag.Duration("timeout", time.Minute, "give up if the program has not finished after this long")
	quiet := flag.Bool("quiet", false, "discard the console output of the program")
	output := flag.String("out", "framemap.png", "the PNG file to write the frame map to")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "framemap: run a demo program and render the busiest physical frame map\n\n")
		fmt.Fprint(os.Stderr, "Usage: framemap [options] program [args...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		exit(errors.New("missing program argument"))
	}

	cfg := kmain.DefaultConfig()
	cfg.MemoryBytes = kernel.Size(*memory) * kernel.Mb
	cfg.NCPU = *harts
	cfg.LogLevel = "warn"
	cfg.EagerHeap = *eager
	cfg.FrameMap = *output

	var console io.Writer = os.Stdout
	if *quiet {
		console = io.Discard
	}

	k, err := kmain.Boot(cfg, console, kmain.Binaries())
	if err != nil {
		return err
	}
	defer k.Shutdown()

	if err = k.Start(k.Shell(flag.Args())); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	k.Run(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s did not finish within %s", flag.Arg(0), *timeout)
	}

	return k.WriteFrameMap(cfg.FrameMap)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
