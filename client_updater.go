package acquistor

// Contains the client updater, which publishes JSON-encoded messages
// giving the latest acquistor state on the status port.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries a message to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// RunClientUpdater forwards messages from its input channel to a ZMQ PUB
// socket on the status port. It remembers the last message per tag so a
// SENDALL request can bring a late-joining client up to date.
func RunClientUpdater(messages <-chan ClientUpdate, abort <-chan struct{}) {
	hostname := fmt.Sprintf("tcp://*:%d", Ports.Status)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind status socket to %s: %v", hostname, err)
		return
	}

	lastMessages := make(map[string]string)
	for {
		select {
		case <-abort:
			return

		case update := <-messages:
			if update.tag == "SENDALL" {
				for tag, message := range lastMessages {
					publish(pubSocket, tag, message)
				}
				continue
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not marshal update %q: %v", update.tag, err)
				continue
			}
			lastMessages[update.tag] = string(message)
			publish(pubSocket, update.tag, string(message))
		}
	}
}

func publish(pubSocket *zmq.Socket, tag, message string) {
	pubSocket.Send(tag, zmq.SNDMORE)
	pubSocket.Send(message, 0)
}
