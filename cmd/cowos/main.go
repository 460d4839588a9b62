package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"cowos/kernel/kmain"
)

// demo lists the commands run by init when none is given.
var demo = [][]string{
	{"/bin/echo", "hello", "from", "cowos"},
	{"/bin/sysinfo"},
	{"/bin/cowtest"},
	{"/bin/lazytest"},
	{"/bin/sysinfo"},
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[cowos] error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	configPath := flag.String("config", "", "a JSON kernel configuration file; defaults are used if omitted")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn or error)")
	frameMap := flag.String("framemap", "", "write the busiest frame reference map to this PNG file")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "cowos: boot the simulated kernel and run demo programs\n\n")
		fmt.Fprint(os.Stderr, "Usage: cowos [options] [program [args...]]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := kmain.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = kmain.LoadKernelConfig(*configPath); err != nil {
			return err
		}
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *frameMap != "" {
		cfg.FrameMap = *frameMap
	}

	cmds := demo
	if flag.NArg() > 0 {
		cmds = [][]string{flag.Args()}
	}

	k, err := kmain.Boot(cfg, os.Stdout, kmain.Binaries())
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer k.Shutdown()

	if err = k.Start(k.Shell(cmds...)); err != nil {
		return fmt.Errorf("starting init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	k.Run(ctx)

	if cfg.FrameMap != "" {
		if err = k.WriteFrameMap(cfg.FrameMap); err != nil {
			return fmt.Errorf("frame map: %w", err)
		}
	}
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
