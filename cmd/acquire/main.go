// Command acquire runs one acquisition session from the command line,
// without the daemon: configure, arm, start, run to the block limit or
// an interrupt, then print the loss accounting.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/empa-lab/acquistor"
)

type acquireOptions struct {
	source   string
	hosts    string
	output   string
	format   string
	nblocks  int
	rate     float64
	nsamp    int
	nchan    int
	ncards   int
	ampVolts float64
	check    bool
	preview  int
}

var opt acquireOptions

func parseOptions() error {
	flag.StringVar(&opt.source, "source", "simulated", "device source: simulated or udp")
	flag.StringVar(&opt.hosts, "hosts", "", "comma-separated udp endpoints, one per card")
	flag.StringVar(&opt.output, "o", "acquire.raw", "output filename")
	flag.StringVar(&opt.format, "format", "raw", "output format: raw, npy, or csv")
	flag.IntVar(&opt.nblocks, "n", 0, "number of blocks to acquire (<=0 means run until interrupted)")
	flag.Float64Var(&opt.rate, "rate", 1e6, "sample rate (Hz)")
	flag.IntVar(&opt.nsamp, "block", 1024, "samples per block")
	flag.IntVar(&opt.nchan, "chan", 2, "channels per card")
	flag.IntVar(&opt.ncards, "cards", 1, "number of cards")
	flag.Float64Var(&opt.ampVolts, "amp", 1.0, "amplification level (V)")
	flag.BoolVar(&opt.check, "check", false, "run the channel dissimilarity check after the session")
	flag.IntVar(&opt.preview, "preview", 0, "publish every Nth sample on the preview port (0 = off)")
	flag.Parse()

	switch {
	case opt.rate <= 0:
		return fmt.Errorf("sample rate (%f) must be positive", opt.rate)
	case opt.nsamp < 1:
		return fmt.Errorf("block size (%d) must be at least 1", opt.nsamp)
	case opt.ncards < 1:
		return fmt.Errorf("card count (%d) must be at least 1", opt.ncards)
	}
	return nil
}

func buildConfig() acquistor.AcqConfig {
	cfg := acquistor.DefaultConfig()
	cfg.SampleRate = opt.rate
	cfg.BlockSamples = opt.nsamp
	cfg.MaxBlocks = opt.nblocks
	cfg.PreviewDecimation = opt.preview
	for c := 0; c < opt.ncards; c++ {
		card := acquistor.CardConfig{ID: fmt.Sprintf("card%d", c)}
		for ch := 0; ch < opt.nchan; ch++ {
			card.Channels = append(card.Channels, acquistor.ChannelConfig{
				Number:   ch,
				AmpVolts: opt.ampVolts,
				Coupling: acquistor.CouplingDC,
			})
		}
		cfg.Cards = append(cfg.Cards, card)
	}
	return cfg
}

func buildAdapters(cfg *acquistor.AcqConfig) ([]acquistor.DeviceAdapter, error) {
	if opt.source == "udp" {
		hosts := strings.Split(opt.hosts, ",")
		if opt.hosts == "" || len(hosts) != opt.ncards {
			return nil, fmt.Errorf("-hosts must list exactly %d udp endpoints", opt.ncards)
		}
		adapters := make([]acquistor.DeviceAdapter, len(hosts))
		for i, host := range hosts {
			adapters[i] = acquistor.NewPacketDevice(strings.TrimSpace(host), cfg.SampleRate, i)
		}
		return adapters, nil
	}
	adapters := make([]acquistor.DeviceAdapter, opt.ncards)
	for i := range adapters {
		sd := acquistor.NewSimulatedDevice(cfg.SampleRate, cfg.BlockSamples, opt.nchan)
		sd.Paced = true
		adapters[i] = sd
	}
	return adapters, nil
}

func main() {
	if err := parseOptions(); err != nil {
		log.Println("ERROR: ", err)
		os.Exit(1)
	}
	cfg := buildConfig()
	adapters, err := buildAdapters(&cfg)
	if err != nil {
		log.Println("ERROR: ", err)
		os.Exit(1)
	}

	controller := acquistor.NewAcquisitionController(adapters, nil)
	if err := controller.Configure(cfg); err != nil {
		log.Println("ERROR: ", err)
		os.Exit(1)
	}
	medium, err := acquistor.NewMedium(opt.format, opt.output, &cfg, controller.Session().ID)
	if err != nil {
		log.Println("ERROR: ", err)
		os.Exit(1)
	}
	controller.SetMedium(medium)

	var auditor *acquistor.ChannelAuditor
	if opt.check {
		auditor = acquistor.NewChannelAuditor()
		controller.AddObserver(auditor)
	}
	if opt.preview > 0 {
		controller.AddObserver(acquistor.NewPreviewPublisher(opt.preview, controller.Aborted()))
	}

	if err := controller.Arm(); err != nil {
		log.Println("ERROR: ", err)
		os.Exit(1)
	}
	if err := controller.Start(); err != nil {
		log.Println("ERROR: ", err)
		os.Exit(1)
	}
	log.Printf("session %s running; writing %s to %s\n",
		controller.Session().ID, opt.format, opt.output)

	// Trap interrupts so we can cleanly stop the session.
	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-interruptCatcher:
			log.Println("interrupted; draining")
			controller.Stop()
		case <-stopped:
		}
	}()

	result := controller.Wait()
	close(stopped)

	fmt.Printf("Session %s finished: %v\n", result.SessionID, result.FinalState)
	if result.Fault != nil {
		fmt.Printf("  fault: %v\n", result.Fault)
	}
	fmt.Printf("  samples written:  %d\n", result.Loss.SamplesWritten)
	fmt.Printf("  dropped blocks:   %d\n", result.Loss.DroppedBlocks)
	fmt.Printf("  overrun events:   %d\n", result.Loss.OverrunEvents)
	fmt.Printf("  desync events:    %d\n", result.Loss.DesyncEvents)
	fmt.Printf("  shed frames:      %d\n", result.Loss.ShedFrames)
	fmt.Printf("  discarded frames: %d\n", result.Loss.DiscardedFrames)

	if auditor != nil {
		flagged := auditor.Check(cfg.SensitivityThreshold)
		if len(flagged) == 0 {
			fmt.Println("channel check: all channels agree")
		} else {
			fmt.Printf("channel check: channels %v look dissimilar; check cabling\n", flagged)
		}
	}
	if result.FinalState != acquistor.Stopped {
		os.Exit(1)
	}
}
