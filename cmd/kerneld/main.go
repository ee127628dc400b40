// kerneld boots the simulated kernel: it parses a boot config, brings every
// subsystem online through internal/boot.Kernel, and runs the hart loop
// until interrupted or until a user process calls poweroff.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trust0-project/havy-os-go/internal/boot"
	"github.com/trust0-project/havy-os-go/internal/bootconsole"
)

func main() {
	configPath := flag.String("config", "", "path to a boot config YAML file (defaults built in if unset)")
	dtbPath := flag.String("dtb", "", "path to a flattened device-tree blob (optional)")
	color := flag.Bool("color", true, "render boot output with ANSI color")
	flag.Parse()

	if err := run(*configPath, *dtbPath, *color); err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dtbPath string, color bool) error {
	cfg := boot.DefaultConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		cfg, err = boot.LoadConfig(data)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}

	var dtbBlob []byte
	if dtbPath != "" {
		data, err := os.ReadFile(dtbPath)
		if err != nil {
			return fmt.Errorf("reading dtb: %w", err)
		}
		dtbBlob = data
	}

	var console bootconsole.Output
	if color {
		console = bootconsole.NewColorConsole(os.Stdout)
	} else {
		console = bootconsole.NewPlainConsole(os.Stdout)
	}

	k := boot.New(cfg, console)
	k.Bus().SetHostRTCSeconds(uint64(time.Now().Unix()))

	if err := k.Boot(dtbBlob); err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = k.Shutdown()
	}()

	go func() {
		for {
			time.Sleep(50 * time.Millisecond)
			written, _ := k.Bus().TestFinisherState()
			if written {
				_ = k.Shutdown()
				return
			}
		}
	}()

	return k.RunAll()
}
