package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tactile/internal/config"
	"github.com/banshee-data/tactile/internal/driver"
	"github.com/banshee-data/tactile/internal/recorder"
	"github.com/banshee-data/tactile/internal/simulator"
	"github.com/banshee-data/tactile/internal/transport"
	"github.com/banshee-data/tactile/internal/version"
)

var (
	devMode      = flag.Bool("dev", false, "Run against a simulated sensor")
	listen       = flag.String("listen", ":8080", "Listen address for the debug server")
	configPath   = flag.String("config", "", "Path to a driver config JSON file (defaults per variant when empty)")
	variant      = flag.String("variant", "", "Override the wire protocol: text or binary")
	endpoint     = flag.String("endpoint", "", "Override the endpoint: serial device path or host:port (ignored in dev mode)")
	recordPath   = flag.String("record", "", "Record decoded frames to this sqlite file")
	pollInterval = flag.Duration("poll-interval", 100*time.Millisecond, "How often the consumer drains the frame queue")
	devInterval  = flag.Duration("dev-interval", 20*time.Millisecond, "Frame interval of the simulated text sensor")
	devDevices   = flag.Int("dev-devices", 2, "Number of simulated binary devices")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// loadConfig resolves the driver config from the -config file or the variant
// defaults, then applies the command-line overrides.
func loadConfig() (*config.DriverConfig, error) {
	var cfg *config.DriverConfig
	if *configPath != "" {
		var err error
		cfg, err = config.LoadDriverConfig(*configPath)
		if err != nil {
			return nil, err
		}
	} else {
		v := *variant
		if v == "" {
			v = config.VariantText
		}
		cfg = config.DefaultDriverConfig(v)
	}

	if *variant != "" {
		v := *variant
		cfg.Variant = &v
	}
	if *endpoint != "" {
		e := *endpoint
		cfg.Endpoint = &e
	}
	if *recordPath != "" {
		p := *recordPath
		cfg.RecordPath = &p
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// startSimulator stands up a fake sensor for dev mode. It returns the opener
// and endpoint the driver should use in place of the configured ones.
func startSimulator(ctx context.Context, wg *sync.WaitGroup, opts driver.Options) (transport.Opener, string, error) {
	if opts.Variant == driver.Binary {
		srv, err := simulator.Listen("127.0.0.1:0", simulator.NewDevice(opts.Shape, *devDevices))
		if err != nil {
			return nil, "", err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				log.Printf("simulator stopped: %v", err)
			}
		}()
		return transport.TCPOpener(opts.DialTimeout, opts.ReadTimeout), srv.Addr(), nil
	}

	opener := func(context.Context, string) (transport.Channel, error) {
		port := transport.NewPacedPort(ctx, *devInterval, simulator.TextFrames(opts.Shape))
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			return nil, err
		}
		return port, nil
	}
	return opener, "simulated", nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("tactile %s", version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := driver.OptionsFromConfig(cfg)
	target := cfg.GetEndpoint()
	if *devMode {
		opts.Opener, target, err = startSimulator(ctx, &wg, opts)
		if err != nil {
			log.Fatalf("failed to start simulator: %v", err)
		}
	}

	var rec *recorder.Recorder
	if path := cfg.GetRecordPath(); path != "" {
		rec, err = recorder.Open(path)
		if err != nil {
			log.Fatalf("failed to open recorder: %v", err)
		}
		defer rec.Close()

		opts.ID = uuid.New()
		log.Printf("recording frames to %s as session %s", path, opts.ID)
		opts.OnFrame = rec.Hook(opts.ID.String())
	}

	d, err := driver.New(opts)
	if err != nil {
		log.Fatalf("failed to create driver: %v", err)
	}

	if err := d.Connect(ctx, target); err != nil {
		log.Fatalf("failed to connect to %s: %v", target, err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Printf("failed to close driver: %v", err)
		}
	}()
	d.Start()

	// consumer routine: drain the queue on a fixed cadence
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(*pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for {
					f, err := d.Get()
					if err != nil {
						log.Printf("consumer: %v", err)
						break
					}
					if f == nil {
						break
					}
					log.Printf("frame seq=%d device=%d shape=%s", f.Seq, f.Device, f.Shape())
				}
			case <-ctx.Done():
				log.Printf("consumer routine terminated")
				return
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		d.AttachAdminRoutes(mux)
		if rec != nil {
			rec.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	d.Stop()
	log.Printf("Graceful shutdown complete")
}
