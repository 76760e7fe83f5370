package acquistor

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs contain all TCP port numbers used by Acquistor.
type Portnumbers struct {
	RPC     int // JSON-RPC control server
	Status  int // ZMQ PUB socket for status/client updates
	Preview int // ZMQ PUB socket for live sample preview
}

// Ports globally holds all TCP port numbers used by Acquistor.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Preview = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// AcquistorStartTime is a global holding the time init() was run
var AcquistorStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client updates to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(4400)
	AcquistorStartTime = time.Now()

	// The main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
