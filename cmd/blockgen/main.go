// Command blockgen streams triangle-wave sample datagrams over UDP in the
// format the acquistor packet device reads. It stands in for a networked
// digitizer when testing multi-card acquisition without hardware.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"
)

type genOptions struct {
	hosts string
	rate  float64
	nsamp int
	nchan int
	skew  time.Duration
}

var opt genOptions

func parseOptions() error {
	flag.StringVar(&opt.hosts, "hosts", "127.0.0.1:56789", "comma-separated udp targets, one per simulated card")
	flag.Float64Var(&opt.rate, "rate", 1e5, "sample rate (Hz)")
	flag.IntVar(&opt.nsamp, "block", 512, "samples per datagram")
	flag.IntVar(&opt.nchan, "chan", 2, "channels per card")
	flag.DurationVar(&opt.skew, "skew", 0, "artificial start delay for the last card, to provoke desync handling")
	flag.Parse()

	if opt.rate <= 0 || opt.nsamp < 1 || opt.nchan < 1 {
		return fmt.Errorf("rate, block, and chan must all be positive")
	}
	if opt.nsamp*opt.nchan*2+16 > 65000 {
		return fmt.Errorf("block %d x chan %d does not fit one datagram", opt.nsamp, opt.nchan)
	}
	return nil
}

// datagram encodes one block: big-endian header then interleaved samples.
func datagram(seq uint64, base uint64, nsamp, nchan int) []byte {
	var buf bytes.Buffer
	header := struct {
		Version  uint8
		Flags    uint8
		Nchan    uint16
		Nsamp    uint16
		Reserved uint16
		Seq      uint64
	}{Version: 1, Nchan: uint16(nchan), Nsamp: uint16(nsamp), Seq: seq}
	binary.Write(&buf, binary.BigEndian, &header)

	const period = 1000
	data := make([]uint16, nsamp*nchan)
	for s := 0; s < nsamp; s++ {
		for ch := 0; ch < nchan; ch++ {
			pos := (base + uint64(s) + uint64(ch)*37) % period
			v := pos
			if pos >= period/2 {
				v = period - pos
			}
			data[s*nchan+ch] = uint16(v * 65535 / (period / 2))
		}
	}
	binary.Write(&buf, binary.BigEndian, data)
	return buf.Bytes()
}

func stream(host string, delay time.Duration, abort <-chan struct{}) {
	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		log.Fatal(err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	time.Sleep(delay)
	blockPeriod := time.Duration(float64(opt.nsamp) / opt.rate * float64(time.Second))
	ticker := time.NewTicker(blockPeriod)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			p := datagram(seq, seq*uint64(opt.nsamp), opt.nsamp, opt.nchan)
			if _, err := conn.Write(p); err != nil {
				log.Printf("write to %s: %v", host, err)
			}
			seq++
		}
	}
}

func main() {
	if err := parseOptions(); err != nil {
		log.Println("ERROR: ", err)
		os.Exit(1)
	}
	hosts := strings.Split(opt.hosts, ",")

	abort := make(chan struct{})
	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt)

	for i, host := range hosts {
		delay := time.Duration(0)
		if opt.skew > 0 && i == len(hosts)-1 {
			delay = opt.skew
		}
		go stream(strings.TrimSpace(host), delay, abort)
	}
	log.Printf("streaming %d-channel blocks at %.0f Hz to %v\n", opt.nchan, opt.rate, hosts)

	<-interruptCatcher
	close(abort)
}
