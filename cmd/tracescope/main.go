package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"tracescope/internal/acquire"
	"tracescope/internal/region"
)

// regionFlags collects repeated -region name=0xADDR:format options.
type regionFlags struct {
	regions []*region.MemoryRegion
}

func (f *regionFlags) String() string {
	var parts []string
	for _, r := range f.regions {
		parts = append(parts, fmt.Sprintf("%s=0x%X:%s", r.Name, r.Address, r.Format))
	}
	return strings.Join(parts, ",")
}

func (f *regionFlags) Set(value string) error {
	name, rest, ok := strings.Cut(value, "=")
	if !ok || name == "" {
		return fmt.Errorf("want name=0xADDR:format, got %q", value)
	}
	addrStr, desc, ok := strings.Cut(rest, ":")
	if !ok {
		return fmt.Errorf("want name=0xADDR:format, got %q", value)
	}
	addr, err := strconv.ParseUint(addrStr, 0, 64)
	if err != nil {
		return fmt.Errorf("bad address %q: %v", addrStr, err)
	}
	r, err := region.New(addr, desc, name)
	if err != nil {
		return err
	}
	f.regions = append(f.regions, r)
	return nil
}

func initLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&prefixed.TextFormatter{
		TimestampFormat: "15:04:05.000",
		FullTimestamp:   true,
		ForceFormatting: true,
	})
	logger.SetOutput(os.Stdout)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func main() {
	var regions regionFlags
	host := flag.String("host", "localhost", "GDB server host")
	port := flag.Int("port", 3333, "GDB server port")
	armTrace := flag.Bool("arm-trace", false, "Capture through the DWT/ITM/ETB trace path instead of pure polling")
	interval := flag.Duration("interval", acquire.DefaultInterval, "Delay between acquisition cycles")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Var(&regions, "region", "Memory region to watch as name=0xADDR:format, repeatable")

	flag.Parse()

	logger := initLogger(*verbose)
	log := logger.WithField("prefix", "tracescope")

	if len(regions.regions) == 0 {
		fmt.Fprintln(os.Stderr, "no regions given, need at least one -region name=0xADDR:format")
		flag.Usage()
		os.Exit(1)
	}

	mode := acquire.ModePolling
	if *armTrace {
		mode = acquire.ModeTrace
	}

	engine := acquire.New(regions.regions, acquire.Options{
		Host:     *host,
		Port:     *port,
		Mode:     mode,
		Interval: *interval,
		Log:      log,
	})
	if err := engine.Start(); err != nil {
		log.Fatalf("cannot start acquisition: %v", err)
	}
	defer engine.Stop()

	for _, r := range engine.Regions() {
		log.Infof("watching %s at 0x%08X (%d bytes)", r.Name, r.Address, r.ByteCount())
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval * 10)
	defer ticker.Stop()

	for {
		select {
		case <-signals:
			log.Info("shutting down")
			return
		case <-ticker.C:
			for _, r := range engine.Regions() {
				q := engine.Queue(r.Name)
				for {
					pkt, ok := q.Pop()
					if !ok {
						break
					}
					fmt.Println(pkt)
				}
			}
		}
	}
}
