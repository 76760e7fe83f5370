package acquistor

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"time"

	"github.com/empa-lab/acquistor/internal/acqdb"
)

// AcquisitionControl is the RPC sub-server that configures and operates
// acquisition sessions. One session runs at a time; a new one may start
// once the previous reached a terminal state.
type AcquisitionControl struct {
	controller    *AcquisitionController
	lastResult    *SessionResult
	source        string
	clientUpdates chan<- ClientUpdate
	db            *acqdb.Connection
	abort         <-chan struct{}
}

// ServerStatus is what AcquisitionControl reports to clients.
type ServerStatus struct {
	Running   bool
	State     string
	Source    string
	SessionID string
	Nchannels int
	Loss      LossSnapshot
}

// SessionRequest holds the arguments to StartSession.
type SessionRequest struct {
	Source string   // "simulated" or "udp"
	Hosts  []string // udp endpoints, one per card
	Output string   // output file path
	Format string   // "raw", "npy", or "csv"
	Config AcqConfig
}

func (s *AcquisitionControl) status() ServerStatus {
	st := ServerStatus{Source: s.source}
	if s.controller != nil {
		state := s.controller.State()
		st.Running = state == Running || state == Draining
		st.State = state.String()
		if sess := s.controller.Session(); sess != nil {
			st.SessionID = sess.ID
			st.Loss = sess.Loss.Snapshot()
		}
	} else {
		st.State = Idle.String()
	}
	return st
}

func (s *AcquisitionControl) broadcastStatus() {
	s.clientUpdates <- ClientUpdate{"STATUS", s.status()}
}

// StartSession configures, arms, and starts a new acquisition session.
// The reply is the new session's ID.
func (s *AcquisitionControl) StartSession(req *SessionRequest, reply *string) error {
	if s.controller != nil {
		if _, finished := s.controller.Result(); !finished {
			return fmt.Errorf("a session is already active (state %v)", s.controller.State())
		}
	}

	adapters, err := buildAdapters(req)
	if err != nil {
		return err
	}
	s.source = req.Source

	controller := NewAcquisitionController(adapters, nil)
	if err := controller.Configure(req.Config); err != nil {
		return err
	}
	// The medium is attached after Configure so the output file header can
	// carry the real session ID.
	medium, err := NewMedium(req.Format, req.Output, &req.Config, controller.Session().ID)
	if err != nil {
		controller.Stop()
		return err
	}
	controller.SetMedium(medium)
	if req.Config.PreviewDecimation > 0 {
		controller.AddObserver(NewPreviewPublisher(req.Config.PreviewDecimation, controller.Aborted()))
	}
	if err := controller.Arm(); err != nil {
		return err
	}
	if err := controller.Start(); err != nil {
		return err
	}
	s.controller = controller
	sess := controller.Session()
	*reply = sess.ID

	hostname, _ := os.Hostname()
	s.db.RecordSession(&acqdb.SessionMessage{
		ID:         sess.ID,
		Hostname:   hostname,
		Version:    Build.Version,
		Source:     req.Source,
		Ncards:     len(req.Config.Cards),
		Nchannels:  req.Config.Nchan(),
		SampleRate: req.Config.SampleRate,
		Start:      sess.StartTime,
	})
	go s.recordResult(controller, req)

	log.Printf("started session %s (%s source, %d cards)\n",
		sess.ID, req.Source, len(req.Config.Cards))
	s.broadcastStatus()
	return nil
}

// recordResult waits for the session to end and files its accounting.
func (s *AcquisitionControl) recordResult(controller *AcquisitionController, req *SessionRequest) {
	result := controller.Wait()
	fault := ""
	if result.Fault != nil {
		fault = result.Fault.Error()
	}
	hostname, _ := os.Hostname()
	s.db.FinishSession(&acqdb.SessionMessage{
		ID:         result.SessionID,
		Hostname:   hostname,
		Version:    Build.Version,
		Source:     req.Source,
		Ncards:     len(req.Config.Cards),
		Nchannels:  req.Config.Nchan(),
		SampleRate: req.Config.SampleRate,
		Start:      controller.Session().StartTime,
	})
	s.db.RecordLoss(&acqdb.LossMessage{
		SessionID:      result.SessionID,
		FinalState:     result.FinalState.String(),
		Fault:          fault,
		SamplesWritten: result.Loss.SamplesWritten,
		OverrunEvents:  result.Loss.OverrunEvents,
		DesyncEvents:   result.Loss.DesyncEvents,
		ShedFrames:     result.Loss.ShedFrames,
		DrainDiscards:  result.Loss.DiscardedFrames,
	})
	s.clientUpdates <- ClientUpdate{"RESULT", result}
}

// StopSession requests a graceful stop and replies with the terminal
// result, including the loss accounting.
func (s *AcquisitionControl) StopSession(dummy *string, reply *SessionResult) error {
	if s.controller == nil {
		return fmt.Errorf("no session has been started")
	}
	log.Printf("stopping session %s\n", s.controller.Session().ID)
	result := s.controller.Stop()
	s.lastResult = &result
	*reply = result
	s.broadcastStatus()
	return nil
}

// Status reports the current server and session state.
func (s *AcquisitionControl) Status(dummy *string, reply *ServerStatus) error {
	*reply = s.status()
	return nil
}

// LastResult replies with the most recent terminal session result.
func (s *AcquisitionControl) LastResult(dummy *string, reply *SessionResult) error {
	if s.controller != nil {
		if result, finished := s.controller.Result(); finished {
			*reply = result
			return nil
		}
	}
	if s.lastResult == nil {
		return fmt.Errorf("no session has finished")
	}
	*reply = *s.lastResult
	return nil
}

// SendAllStatus causes a broadcast to clients of all remembered status.
func (s *AcquisitionControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastStatus()
	s.clientUpdates <- ClientUpdate{"SENDALL", 0}
	*reply = true
	return nil
}

// buildAdapters constructs one DeviceAdapter per configured card.
func buildAdapters(req *SessionRequest) ([]DeviceAdapter, error) {
	switch strings.ToLower(req.Source) {
	case "simulated", "":
		adapters := make([]DeviceAdapter, len(req.Config.Cards))
		for i, card := range req.Config.Cards {
			sd := NewSimulatedDevice(req.Config.SampleRate, req.Config.BlockSamples, len(card.Channels))
			sd.Paced = true
			adapters[i] = sd
		}
		return adapters, nil
	case "udp":
		if len(req.Hosts) != len(req.Config.Cards) {
			return nil, fmt.Errorf("have %d udp hosts for %d cards", len(req.Hosts), len(req.Config.Cards))
		}
		adapters := make([]DeviceAdapter, len(req.Hosts))
		for i, host := range req.Hosts {
			adapters[i] = NewPacketDevice(host, req.Config.SampleRate, i)
		}
		return adapters, nil
	}
	return nil, fmt.Errorf("device source %q is not recognized (expect simulated or udp)", req.Source)
}

// RunRPCServer sets up and runs a permanent JSON-RPC server on the RPC
// port, plus the periodic status broadcast.
func RunRPCServer(messageChan chan<- ClientUpdate, abort <-chan struct{}, db *acqdb.Connection) {
	control := &AcquisitionControl{clientUpdates: messageChan, db: db, abort: abort}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				control.broadcastStatus()
			}
		}
	}()

	server := rpc.NewServer()
	server.Register(control)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", Ports.RPC)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Fatal("accept error: " + err.Error())
		}
		log.Printf("new connection established\n")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
