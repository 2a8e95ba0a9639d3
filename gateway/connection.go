package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("not connected")
)

// invoked for every notification frame bearing the stream id,
// in arrival order
type StreamHandler func(data json.RawMessage)

type ConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout: 5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     32,
	}
}

type commandResult struct {
	data json.RawMessage
	err  error
}

type pendingCommand struct {
	commandId Id
	cmd       string
	// buffered 1. An entry is removed from the pending table and completed
	// under the state lock, so each command resolves exactly once.
	result    chan *commandResult
	subscribe *streamSubscribe
}

// registered into the stream table atomically with the success response
type streamSubscribe struct {
	streamIdOf func(data json.RawMessage) (string, bool)
	handler    StreamHandler
}

// Connection owns exactly one physical websocket channel plus the
// correlation and stream tables. A single reader task dispatches incoming
// frames; any number of caller tasks may have outstanding commands.
// There is no cross-connection resumption: a reconnect is a new Connection
// with both tables empty.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *ConnectionSettings

	send chan *commandFrame

	stateLock sync.Mutex
	pending   map[string]*pendingCommand
	streams   map[string]StreamHandler
	closed    bool

	closeOnce sync.Once
}

func ConnectWithDefaults(ctx context.Context, url string) (*Connection, error) {
	return Connect(ctx, url, DefaultConnectionSettings())
}

func Connect(ctx context.Context, url string, settings *ConnectionSettings) (*Connection, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &Connection{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		send:     make(chan *commandFrame, settings.SendBufferSize),
		pending:  map[string]*pendingCommand{},
		streams:  map[string]StreamHandler{},
	}
	go connection.runWrite()
	go connection.runRead()
	return connection, nil
}

// send a command and wait for the matching response.
// `params` may be nil, in which case the params field is omitted on the wire.
func (self *Connection) SendCommand(ctx context.Context, cmd string, params any) (json.RawMessage, error) {
	return self.sendCommand(ctx, cmd, params, nil)
}

// like SendCommand, but when the success response declares a stream id
// (extracted by `streamIdOf`), the handler is registered atomically with the
// response so that no notification can slip in between
func (self *Connection) SendCommandSubscribe(
	ctx context.Context,
	cmd string,
	params any,
	streamIdOf func(data json.RawMessage) (string, bool),
	handler StreamHandler,
) (json.RawMessage, error) {
	return self.sendCommand(ctx, cmd, params, &streamSubscribe{
		streamIdOf: streamIdOf,
		handler:    handler,
	})
}

func (self *Connection) sendCommand(
	ctx context.Context,
	cmd string,
	params any,
	subscribe *streamSubscribe,
) (json.RawMessage, error) {
	var paramsJson json.RawMessage
	if params != nil {
		var err error
		paramsJson, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
	}

	commandId := NewId()
	pending := &pendingCommand{
		commandId: commandId,
		cmd:       cmd,
		result:    make(chan *commandResult, 1),
		subscribe: subscribe,
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil, ErrNotConnected
	}
	self.pending[commandId.String()] = pending
	self.stateLock.Unlock()

	frame := &commandFrame{
		Id:     commandId,
		Cmd:    cmd,
		Params: paramsJson,
	}
	select {
	case self.send <- frame:
	case <-ctx.Done():
		self.removePending(commandId.String())
		return nil, ctx.Err()
	case <-self.ctx.Done():
		self.removePending(commandId.String())
		return nil, ErrConnectionClosed
	}

	select {
	case result := <-pending.result:
		return result.data, result.err
	case <-ctx.Done():
		// losing the race against the caller timeout removes the entry in
		// one step. A response that landed while we were cancelling still
		// wins so that no resolved command is reported as timed out.
		self.removePending(commandId.String())
		select {
		case result := <-pending.result:
			return result.data, result.err
		default:
		}
		return nil, ctx.Err()
	}
}

// stop listening on a stream. Notifications that arrive after this are
// dropped, which is normal, not an error.
func (self *Connection) Unsubscribe(streamId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.streams, streamId)
}

func (self *Connection) removePending(commandId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pending, commandId)
}

func (self *Connection) runWrite() {
	defer self.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case frame, ok := <-self.send:
			if !ok {
				return
			}
			frameJson, err := json.Marshal(frame)
			if err != nil {
				glog.Infof("[c]drop unserializable frame = %s\n", err)
				continue
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, frameJson); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[c]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[c]-> %s %s\n", frame.Cmd, frame.Id)
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *Connection) runRead() {
	defer self.Close()

	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
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
			glog.Infof("[c]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			self.dispatch(message)
		default:
			glog.V(2).Infof("[c]<- other=%d\n", messageType)
		}
	}
}

// the connection never crashes on malformed or unmatched frames.
// It logs and continues.
func (self *Connection) dispatch(message []byte) {
	var frame responseFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		glog.Infof("[c]drop malformed frame = %s\n", err)
		return
	}

	switch frame.Type {
	case frameTypeSuccess:
		self.resolve(frame.Id, frame.Data, "")
	case frameTypeError:
		self.resolve(frame.Id, nil, frame.Message)
	case frameTypeNotification:
		self.notify(frame.Id, frame.Data)
	default:
		glog.Infof("[c]drop frame with unknown type %q\n", frame.Type)
	}
}

func (self *Connection) resolve(commandId string, data json.RawMessage, errorMessage string) {
	self.stateLock.Lock()
	pending, ok := self.pending[commandId]
	if ok {
		delete(self.pending, commandId)
		if errorMessage == "" && pending.subscribe != nil {
			if streamId, ok := pending.subscribe.streamIdOf(data); ok {
				self.streams[streamId] = pending.subscribe.handler
			}
		}
	}
	self.stateLock.Unlock()

	if !ok {
		// normal when the caller stopped waiting. Drop.
		glog.V(2).Infof("[c]drop response for unknown id %s\n", commandId)
		return
	}

	if errorMessage != "" {
		pending.result <- &commandResult{
			err: &CommandError{
				Cmd:     pending.cmd,
				Message: errorMessage,
			},
		}
	} else {
		pending.result <- &commandResult{
			data: data,
		}
	}
	glog.V(2).Infof("[c]<- %s %s\n", pending.cmd, commandId)
}

func (self *Connection) notify(streamId string, data json.RawMessage) {
	self.stateLock.Lock()
	handler, ok := self.streams[streamId]
	self.stateLock.Unlock()

	if !ok {
		// normal when the stream owner stopped listening. Drop.
		glog.V(2).Infof("[c]drop notification for unknown stream %s\n", streamId)
		return
	}

	// callbacks are invoked on the reader task to preserve arrival order.
	// A panicking handler must not take down the reader.
	func() {
		defer func() {
			if r := recover(); r != nil {
				glog.Errorf("[c]stream %s handler panic = %v\n", streamId, r)
			}
		}()
		handler(data)
	}()
}

// closed when the connection is done
func (self *Connection) Done() <-chan struct{} {
	return self.ctx.Done()
}

// atomically drains and rejects every pending command and discards every
// stream. No callback fires twice.
func (self *Connection) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.ws.Close()

		self.stateLock.Lock()
		self.closed = true
		drained := maps.Values(self.pending)
		maps.Clear(self.pending)
		streamCount := len(self.streams)
		maps.Clear(self.streams)
		self.stateLock.Unlock()

		for _, pending := range drained {
			pending.result <- &commandResult{
				err: ErrConnectionClosed,
			}
		}
		if 0 < len(drained) || 0 < streamCount {
			glog.Infof("[c]closed with %d pending, %d streams\n", len(drained), streamCount)
		}
	})
}
