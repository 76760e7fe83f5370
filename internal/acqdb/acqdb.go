// Package acqdb records acquisition-session metadata in a ClickHouse
// database. Recording is optional: if the database is unreachable or not
// configured, every method degrades to a no-op so acquisition never depends
// on the database being alive.
package acqdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "acquistor" // official SQL name of the database

// SessionMessage describes one acquisition session for the sessions table.
type SessionMessage struct {
	ID         string
	Hostname   string
	Version    string
	Source     string
	Ncards     int
	Nchannels  int
	SampleRate float64
	Start      time.Time
	End        time.Time
}

// LossMessage holds the final loss accounting for one session.
type LossMessage struct {
	SessionID      string
	FinalState     string
	Fault          string
	SamplesWritten uint64
	OverrunEvents  uint64
	DesyncEvents   uint64
	ShedFrames     uint64
	DrainDiscards  uint64
}

// Connection serializes all database traffic through one goroutine, so
// inserts never contend with the acquisition pipeline.
type Connection struct {
	conn       clickhouse.Conn
	err        error
	sessionmsg chan *SessionMessage
	lossmsg    chan *LossMessage
	sync.WaitGroup
}

// IsConnected reports whether the connection is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Start opens the database connection and launches the handler goroutine.
// It always returns a usable *Connection; on failure the connection is
// simply marked dead and all recording becomes a no-op.
func Start(abort <-chan struct{}) *Connection {
	db := connect()
	if db.IsConnected() {
		go db.handle(abort)
	}
	return db
}

// Dummy returns a never-connected Connection, for callers that want
// recording disabled outright.
func Dummy() *Connection {
	return &Connection{}
}

func connect() *Connection {
	db := &Connection{}
	addr := os.Getenv("ACQUISTOR_DB_ADDR")
	if addr == "" {
		db.err = fmt.Errorf("ACQUISTOR_DB_ADDR not set; session recording disabled")
		return db
	}
	opt := clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: databaseName,
			Username: os.Getenv("ACQUISTOR_DB_USER"),
			Password: os.Getenv("ACQUISTOR_DB_PASSWORD"),
		},
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("ClickHouse exception [%d] %s\n", exception.Code, exception.Message)
		}
		db.err = err
		return db
	}
	db.conn = conn
	db.sessionmsg = make(chan *SessionMessage)
	db.lossmsg = make(chan *LossMessage)
	db.Add(1)
	return db
}

func (db *Connection) handle(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.conn.Close()
			return
		case m := <-db.sessionmsg:
			db.insertSession(m)
		case m := <-db.lossmsg:
			db.insertLoss(m)
		}
	}
}

// RecordSession stores a session row. It blocks until the handler accepts
// the message, which guarantees the session row exists before any loss
// record referencing it is inserted.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// FinishSession updates the session end time (as a new row; the table is
// append-only and readers take the latest row per ID).
func (db *Connection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.sessionmsg <- msg }()
}

// RecordLoss stores the final loss accounting for a session.
func (db *Connection) RecordLoss(msg *LossMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.lossmsg <- msg }()
}

func (db *Connection) insertSession(m *SessionMessage) {
	ctx := context.Background()
	const nowait = false
	start := m.Start.Format("2006-01-02 15:04:05.000000")
	end := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.Hostname, m.Version, m.Source, m.Ncards, m.Nchannels,
		m.SampleRate, start, end,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *Connection) insertLoss(m *LossMessage) {
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO lossrecords VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.SessionID, m.FinalState, m.Fault, m.SamplesWritten,
		m.OverrunEvents, m.DesyncEvents, m.ShedFrames, m.DrainDiscards,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into lossrecords ", err)
		db.err = err
	}
}
