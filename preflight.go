package acquistor

import (
	"fmt"
	"strconv"

	sysctl "github.com/lorenzosaino/go-sysctl"
)

// udpRecvBufWant is the socket receive buffer size the packet device asks
// for. At 1 Msamp/s on 4 channels a 4 MB buffer holds roughly half a
// second of datagrams, enough to ride out scheduler hiccups.
const udpRecvBufWant = 4 << 20

// CheckUDPReceiveBuffer verifies that the kernel will actually grant the
// receive buffer the packet device requests. Returns a descriptive error
// when net.core.rmem_max is too small; callers treat it as a warning.
func CheckUDPReceiveBuffer() error {
	val, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		return fmt.Errorf("could not read net.core.rmem_max: %v", err)
	}
	rmem, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("could not parse net.core.rmem_max value %q: %v", val, err)
	}
	if rmem < udpRecvBufWant {
		return fmt.Errorf("net.core.rmem_max is %d, want at least %d; "+
			"datagrams may be lost under load (sysctl -w net.core.rmem_max=%d)",
			rmem, udpRecvBufWant, udpRecvBufWant)
	}
	return nil
}
