package docsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bringyour/docsync/patch"
)

var ErrClosed = errors.New("closed")

type ServerSettings struct {
	WsHandshakeTimeout time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	PingTimeout        time.Duration
	MaxMessageSize     int64
	// messages buffered per connection before the connection is dropped as too slow
	SendBufferSize int
	TaskBufferSize int
	// run reconciliation ticks in addition to message driven sync
	Reconcile bool
	Scheduler *SchedulerSettings
	CheckOrigin func(r *http.Request) bool
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WsHandshakeTimeout: 5 * time.Second,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingTimeout:        15 * time.Second,
		MaxMessageSize:     4 * 1024 * 1024,
		SendBufferSize:     64,
		TaskBufferSize:     256,
		Reconcile:          true,
		Scheduler:          DefaultSchedulerSettings(),
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Server distributes one authoritative source to websocket connections.
// Every mutation of the source and of the sessions runs as a task on one loop,
// so diff and apply never interleave across connections.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	source   Replica
	settings *ServerSettings
	upgrader websocket.Upgrader

	tasks chan func()

	// loop owned
	connections map[Id]*serverConnection

	stateLock     sync.Mutex
	connectionIds []Id

	schedule *Schedule
}

func NewServerWithDefaults(ctx context.Context, source Replica) *Server {
	return NewServer(ctx, source, DefaultServerSettings())
}

func NewServer(ctx context.Context, source Replica, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		source:   source,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin:      settings.CheckOrigin,
		},
		tasks:       make(chan func(), settings.TaskBufferSize),
		connections: map[Id]*serverConnection{},
	}
	go server.run()

	if settings.Reconcile {
		scheduler := NewScheduler(settings.Scheduler)
		server.schedule = scheduler.PeriodicFunc(
			cancelCtx,
			func(ctx context.Context) error {
				return server.Run(ctx, server.reconcile)
			},
			func() time.Duration {
				return scheduler.Period(server.ConnectionCount())
			},
		)
	}

	return server
}

func (self *Server) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.tasks:
			if self.ctx.Err() != nil {
				return
			}
			HandleError(TagServer, task)
		}
	}
}

// Run queues `task` on the server loop and waits for it to finish
func (self *Server) Run(ctx context.Context, task func()) error {
	done := make(chan struct{})
	if !self.post(ctx, func() {
		defer close(done)
		task()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrClosed
	}
}

func (self *Server) post(ctx context.Context, task func()) bool {
	if self.ctx.Err() != nil || ctx.Err() != nil {
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	case self.tasks <- task:
		return true
	}
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the error response
		glog.Infof("[%s]upgrade error = %s\n", TagServer, err)
		return
	}

	connection := newServerConnection(self.ctx, NewId(), ws, self.settings)
	defer connection.Close()

	glog.V(1).Infof("[%s]connected %s\n", TagServer, connection.id)

	go connection.runWrite()

	if !self.post(connection.ctx, func() {
		self.connect(connection)
	}) {
		return
	}
	defer func() {
		// use the server ctx, the connection ctx may already be done
		self.post(self.ctx, func() {
			self.disconnect(connection)
		})
	}()

	connection.runRead(func(message []byte) bool {
		return self.post(connection.ctx, func() {
			self.receive(connection, message)
		})
	})
}

// loop
func (self *Server) connect(connection *serverConnection) {
	if connection.ctx.Err() != nil {
		return
	}
	connection.session = NewSession(connection.id)
	full := connection.session.Initialize(self.source.Get())
	self.connections[connection.id] = connection
	self.updateConnectionIds()

	dataBytes, err := EncodeDataMessage(full)
	if err != nil {
		glog.Infof("[%s]%s encode data error = %s\n", TagServer, connection.id, err)
		connection.Close()
		return
	}
	connection.Send(dataBytes)
}

// loop
func (self *Server) disconnect(connection *serverConnection) {
	connection.Close()
	if _, ok := self.connections[connection.id]; !ok {
		return
	}
	delete(self.connections, connection.id)
	self.updateConnectionIds()
	glog.V(1).Infof("[%s]disconnected %s\n", TagServer, connection.id)
}

// loop
func (self *Server) receive(connection *serverConnection, messageBytes []byte) {
	if connection.ctx.Err() != nil {
		// closed while queued
		return
	}
	if _, ok := self.connections[connection.id]; !ok {
		return
	}

	changes, hasPatch, err := DecodePatchMessage(messageBytes)
	if err != nil {
		protocolErrors.WithLabelValues("decode").Inc()
		glog.Infof("[%s]%s<- drop malformed message = %s\n", TagServer, connection.id, err)
		return
	}
	if !hasPatch {
		protocolErrors.WithLabelValues("missing_patch").Inc()
		glog.Infof("[%s]%s<- drop = %s\n", TagServer, connection.id, ErrMissingPatch)
		return
	}
	messagesReceived.WithLabelValues().Inc()
	glog.V(2).Infof("[%s]%s<- %s\n", TagServer, connection.id, changes)

	correction, err := connection.session.ReceiveDelta(changes, self.source)
	if err != nil {
		// the connection holds edits the source refused.
		// No reply and no fan out; the next reconcile tick reverts the connection.
		rejectedEdits.WithLabelValues(originServer).Inc()
		connection.session.Reject(changes)
		return
	}
	if !correction.IsEmpty() {
		self.sendPatch(connection, correction, originCorrection)
	}

	if !changes.IsEmpty() {
		self.fanout(connection.id)
	}
}

// loop
func (self *Server) fanout(excludeId Id) {
	snapshot := self.source.Get()
	for _, connection := range self.orderedConnections() {
		if connection.id == excludeId {
			continue
		}
		self.produce(connection, snapshot, originFanout)
	}
}

// loop
func (self *Server) reconcile() {
	start := time.Now()
	defer func() {
		tickDuration.WithLabelValues(originServer).Observe(time.Since(start).Seconds())
	}()

	snapshot := self.source.Get()
	for _, connection := range self.orderedConnections() {
		self.produce(connection, snapshot, originServer)
	}
}

// loop
func (self *Server) produce(connection *serverConnection, snapshot patch.Doc, origin string) {
	if connection.ctx.Err() != nil {
		return
	}
	delta, err := connection.session.ProduceDelta(snapshot)
	if err != nil || delta.IsEmpty() {
		return
	}
	self.sendPatch(connection, delta, origin)
}

// loop
func (self *Server) sendPatch(connection *serverConnection, changes patch.PatchSet, origin string) {
	patchBytes, err := EncodePatchMessage(changes)
	if err != nil {
		glog.Infof("[%s]%s encode patch error = %s\n", TagServer, connection.id, err)
		return
	}
	if connection.Send(patchBytes) {
		deltasSent.WithLabelValues(origin).Inc()
		glog.V(2).Infof("[%s]%s-> %s\n", TagServer, connection.id, changes)
	}
}

// connect order
func (self *Server) orderedConnections() []*serverConnection {
	connections := maps.Values(self.connections)
	slices.SortFunc(connections, func(a *serverConnection, b *serverConnection) int {
		if a.id.LessThan(b.id) {
			return -1
		} else if b.id.LessThan(a.id) {
			return 1
		} else {
			return 0
		}
	})
	return connections
}

// loop
func (self *Server) updateConnectionIds() {
	connectionIds := maps.Keys(self.connections)
	slices.SortFunc(connectionIds, func(a Id, b Id) int {
		if a.LessThan(b) {
			return -1
		} else if b.LessThan(a) {
			return 1
		} else {
			return 0
		}
	})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connectionIds = connectionIds
	connectionsGauge.WithLabelValues().Set(float64(len(connectionIds)))
}

// Patch applies a local edit to the source on the server loop and pushes it to every connection.
func (self *Server) Patch(ctx context.Context, changes patch.PatchSet) error {
	var patchErr error
	err := self.Run(ctx, func() {
		if patchErr = self.source.Patch(changes); patchErr != nil {
			applyErrors.WithLabelValues(directionInbound).Inc()
			glog.Infof("[%s]local patch error = %s\n", TagServer, patchErr)
		}
		// a partially applied patch still needs to reach the connections
		self.fanout(Id{})
	})
	if err != nil {
		return err
	}
	return patchErr
}

// the current source state
func (self *Server) State() patch.Doc {
	return self.source.Get()
}

func (self *Server) Connections() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.connectionIds)
}

func (self *Server) ConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.connectionIds)
}

func (self *Server) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Server) Close() {
	self.cancel()
}

type serverConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	ws       *websocket.Conn
	settings *ServerSettings

	send chan []byte

	// loop owned
	session *Session
}

func newServerConnection(ctx context.Context, id Id, ws *websocket.Conn, settings *ServerSettings) *serverConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &serverConnection{
		ctx:      cancelCtx,
		cancel:   cancel,
		id:       id,
		ws:       ws,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
	}
}

// never blocks. A closed connection drops the message; a full buffer closes the connection.
func (self *serverConnection) Send(message []byte) bool {
	if self.ctx.Err() != nil {
		transportErrors.WithLabelValues("closed").Inc()
		return false
	}
	select {
	case <-self.ctx.Done():
		transportErrors.WithLabelValues("closed").Inc()
		return false
	case self.send <- message:
		return true
	default:
		transportErrors.WithLabelValues("backpressure").Inc()
		glog.Infof("[%s]%s-> send buffer full, closing\n", TagServer, self.id)
		self.Close()
		return false
	}
}

func (self *serverConnection) runWrite() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			self.ws.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				transportErrors.WithLabelValues("write").Inc()
				glog.Infof("[%s]%s-> error = %s\n", TagServer, self.id, err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			deadline := time.Now().Add(self.settings.WriteTimeout)
			if err := self.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				transportErrors.WithLabelValues("ping").Inc()
				glog.Infof("[%s]%s-> ping error = %s\n", TagServer, self.id, err)
				return
			}
		}
	}
}

// reads until the connection fails or `receive` refuses a message
func (self *serverConnection) runRead(receive func(message []byte) bool) {
	defer self.cancel()

	self.ws.SetReadLimit(self.settings.MaxMessageSize)
	self.ws.SetPongHandler(func(string) error {
		return self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	})
	self.ws.SetPingHandler(func(appData string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		deadline := time.Now().Add(self.settings.WriteTimeout)
		err := self.ws.WriteControl(websocket.PongMessage, []byte(appData), deadline)
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(1).Infof("[%s]%s<- closed\n", TagServer, self.id)
			} else {
				glog.Infof("[%s]%s<- error = %s\n", TagServer, self.id, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if !receive(message) {
				return
			}
		default:
			glog.V(2).Infof("[%s]other=%d %s<-\n", TagServer, messageType, self.id)
		}
	}
}

func (self *serverConnection) Close() {
	self.cancel()
}

func (self *serverConnection) String() string {
	return fmt.Sprintf("connection(%s)", self.id)
}
