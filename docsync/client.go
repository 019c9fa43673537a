package docsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/bringyour/docsync/patch"
)

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingTimeout:        15 * time.Second,
	}
}

// Client is a remote consumer of a `Server`. It keeps a local replica of the server state
// and its own shadow of what the server is known to have.
// The writer sends the local diff against the shadow, so edits made while disconnected
// are sent after the next connect and nothing is queued per edit.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *ClientSettings

	local *Memory

	// wakes the writer. Never blocks the sender.
	changed chan struct{}
	flushes chan chan struct{}

	// orders server updates against the writer's diff
	stateLock sync.Mutex
	// what the server is known to have. nil until the first full state.
	shadow     patch.Doc
	stateReady chan struct{}
}

func NewClientWithDefaults(ctx context.Context, url string) *Client {
	return NewClient(ctx, url, DefaultClientSettings())
}

func NewClient(ctx context.Context, url string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:        cancelCtx,
		cancel:     cancel,
		url:        url,
		settings:   settings,
		local:      NewMemory(patch.Doc{}),
		changed:    make(chan struct{}, 1),
		flushes:    make(chan chan struct{}),
		stateReady: make(chan struct{}),
	}
	go client.run()
	return client
}

func (self *Client) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		ws, err := TraceWithReturnError(TagClient, fmt.Sprintf("connect %s", self.url), func() (*websocket.Conn, error) {
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			return ws, err
		})
		if err != nil {
			glog.Infof("[%s]connect error %s = %s\n", TagClient, self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handle(ws)

		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Client) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// the writer starts after the full state arrives
	connected := make(chan struct{})

	go func() {
		defer handleCancel()

		select {
		case <-handleCtx.Done():
			return
		case <-connected:
		}

		// edits made before the connect
		if !self.write(ws) {
			return
		}

		for {
			select {
			case <-handleCtx.Done():
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ws.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			case <-self.changed:
				if !self.write(ws) {
					return
				}
			case flushed := <-self.flushes:
				if !self.write(ws) {
					return
				}
				close(flushed)
			case <-time.After(self.settings.PingTimeout):
				deadline := time.Now().Add(self.settings.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	})
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		deadline := time.Now().Add(self.settings.WriteTimeout)
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), deadline)
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	go func() {
		<-handleCtx.Done()
		// unblock the read
		ws.Close()
	}()

	first := true
	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageBytes, err := ws.ReadMessage()
		if err != nil {
			if handleCtx.Err() == nil {
				glog.Infof("[%s]<- error = %s\n", TagClient, err)
			}
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}

		message, err := DecodeMessage(messageBytes)
		if err != nil {
			glog.Infof("[%s]<- drop malformed message = %s\n", TagClient, err)
			continue
		}

		if message.HasData {
			self.receiveFullState(message.Data)
			if first {
				first = false
				close(connected)
			}
		} else if message.HasPatch {
			self.receivePatch(message.Patch)
		} else {
			glog.Infof("[%s]<- drop = %s\n", TagClient, ErrMissingPatch)
		}
	}
}

// sends what the server does not have yet. false when the connection failed.
func (self *Client) write(ws *websocket.Conn) bool {
	self.stateLock.Lock()
	changes := self.local.Diff(self.shadow)
	self.stateLock.Unlock()

	if changes.IsEmpty() {
		return true
	}
	patchBytes, err := EncodePatchMessage(changes)
	if err != nil {
		glog.Infof("[%s]encode error = %s\n", TagClient, err)
		return true
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, patchBytes); err != nil {
		// the shadow is not advanced, the edit is sent again after reconnect
		glog.Infof("[%s]-> error = %s\n", TagClient, err)
		return false
	}
	self.advanceShadow(changes)
	glog.V(2).Infof("[%s]-> %s\n", TagClient, changes)
	return true
}

// takes the server state and keeps the local edits the server does not have
func (self *Client) receiveFullState(full patch.Doc) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	shadow := self.shadow
	if shadow == nil {
		shadow = patch.Doc{}
	}
	unsent := self.local.Diff(shadow)
	self.shadow = patch.Snapshot(full)

	if err := self.local.Set(full); err != nil {
		glog.Infof("[%s]<- set error = %s\n", TagClient, err)
	}
	if err := self.local.Patch(unsent); err != nil {
		glog.Infof("[%s]<- replay error = %s\n", TagClient, err)
	}

	select {
	case <-self.stateReady:
	default:
		close(self.stateReady)
	}
}

func (self *Client) receivePatch(changes patch.PatchSet) {
	glog.V(2).Infof("[%s]<- %s\n", TagClient, changes)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.shadow != nil {
		self.shadow = changes.ApplyTo(self.shadow)
	}
	if err := self.local.Patch(changes); err != nil {
		glog.Infof("[%s]<- patch error = %s\n", TagClient, err)
	}
}

func (self *Client) advanceShadow(changes patch.PatchSet) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.shadow != nil {
		self.shadow = changes.ApplyTo(self.shadow)
	}
}

func (self *Client) Get() patch.Doc {
	return self.local.Get()
}

func (self *Client) Diff(snapshot patch.Doc) patch.PatchSet {
	return self.local.Diff(snapshot)
}

// Patch applies a local edit and wakes the writer. It never waits on the connection.
func (self *Client) Patch(changes patch.PatchSet) error {
	if self.ctx.Err() != nil {
		return ErrClosed
	}
	if changes.IsEmpty() {
		return nil
	}
	if err := self.local.Patch(changes); err != nil {
		return err
	}
	select {
	case self.changed <- struct{}{}:
	default:
		// already signalled, the pending write includes this edit
	}
	return nil
}

// Flush waits until every local edit made before it is written
func (self *Client) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case self.flushes <- flushed:
	}
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-flushed:
		return nil
	}
}

// WaitForState waits for the first full state from the server
func (self *Client) WaitForState(ctx context.Context) error {
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-self.stateReady:
		return nil
	}
}

func (self *Client) AddChangeCallback(changeCallback ChangeFunction) int {
	return self.local.AddChangeCallback(changeCallback)
}

func (self *Client) RemoveChangeCallback(id int) {
	self.local.RemoveChangeCallback(id)
}

func (self *Client) Close() {
	self.cancel()
}

type Reconnect struct {
	startTime time.Time
	timeout   time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		startTime: time.Now(),
		timeout:   timeout,
	}
}

// fires `timeout` after the reconnect was created
func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.startTime)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}
