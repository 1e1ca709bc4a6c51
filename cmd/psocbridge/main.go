package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shaunagostinho/psoc-bridge/internal/binder"
	"github.com/shaunagostinho/psoc-bridge/internal/can"
	"github.com/shaunagostinho/psoc-bridge/internal/echo"
	"github.com/shaunagostinho/psoc-bridge/internal/logger"
	"github.com/shaunagostinho/psoc-bridge/internal/server"
	"github.com/shaunagostinho/psoc-bridge/internal/usbdev"
	"github.com/shaunagostinho/psoc-bridge/web"
)

func main() {
	configPath := flag.String("config", "/etc/psoc-bridge/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	dump := flag.String("dump", "", "Print a CBOR capture file and exit")
	ports := flag.Bool("ports", false, "List serial ports and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	switch {
	case *dump != "":
		if err := dumpCapture(*dump); err != nil {
			log.Fatalf("[main] dump: %v", err)
		}
		return
	case *ports:
		list, err := echo.Ports()
		if err != nil {
			log.Fatalf("[main] list ports: %v", err)
		}
		for _, p := range list {
			fmt.Println(p)
		}
		return
	}

	log.Println("[main] psoc-bridge starting")

	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	usb := usbdev.NewLibUSB()
	defer usb.Close()

	bcfg := cfg.BinderConfig()
	hub := can.NewHub()
	b := binder.New(usb, hub, bcfg)

	mon := openMonitor(cfg.HotplugMode(), usb, bcfg)
	var events <-chan usbdev.Event
	if mon != nil {
		defer mon.Close()
		events = mon.Events()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := b.Run(ctx, events); err != nil && ctx.Err() == nil {
			log.Printf("[main] binder exited: %v", err)
		}
	}()

	lg := logger.New(cfg.LoggerConfig())
	go func() {
		defer wg.Done()
		lg.Run(ctx, hub.Subscribe(1024))
	}()

	// Start server; devices bind in the background as they appear
	srv := server.New(cfg, b, lg, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		cancel()
	}

	// Let the binder release its handles and the logger flush
	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		log.Printf("[main] shutdown timed out")
	}
}

// openMonitor selects the hot-plug source. "auto" prefers kernel uevents
// and falls back to polling the bus.
func openMonitor(mode string, enum usbdev.Enumerator, cfg binder.Config) usbdev.Monitor {
	poll := func() usbdev.Monitor {
		interval := cfg.ReconcileInterval
		if interval <= 0 {
			interval = time.Second
		}
		log.Printf("[main] hotplug: polling every %v", interval)
		return usbdev.NewPollMonitor(enum, cfg.Vendor, cfg.Product, interval)
	}

	switch mode {
	case "disabled":
		log.Printf("[main] hotplug: disabled, relying on reconcile scans")
		return nil
	case "poll":
		return poll()
	default:
		m, err := usbdev.NewNetlinkMonitor(cfg.Vendor, cfg.Product)
		if err != nil {
			if mode == "netlink" {
				log.Printf("[main] hotplug: netlink unavailable: %v", err)
				return nil
			}
			log.Printf("[main] hotplug: netlink unavailable (%v), falling back", err)
			return poll()
		}
		log.Printf("[main] hotplug: kernel uevents")
		return m
	}
}

func dumpCapture(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n := 0
	err = logger.ReadCapture(f, func(m can.Message) error {
		n++
		fmt.Println(m.String())
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[main] %d messages in %s", n, path)
	return nil
}
