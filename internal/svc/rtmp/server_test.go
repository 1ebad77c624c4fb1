// This file contains end-to-end tests for the RTMP server: a scripted client
// performs the handshake and drives connect, createStream, publish and play
// over loopback TCP.

package rtmp

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"rtmpd/internal/core/buffer"
	"rtmpd/internal/core/bus"
	"rtmpd/internal/core/protocol/amf0"
	rtmpprotocol "rtmpd/internal/core/protocol/rtmp"
	"rtmpd/internal/svc/streams"

	"github.com/rs/zerolog"
)

func startServer(t *testing.T) (*Server, *bus.Registry) {
	t.Helper()
	registry := bus.NewRegistry()
	mgr := streams.NewManager(registry, nil, streams.Config{BufferMessages: 64}, zerolog.Nop())
	open := func(connID uint64, app string, sink streams.Sink) StreamOps {
		return mgr.Open(connID, app, sink)
	}
	srv := NewServer(DefaultConfig(), open, zerolog.Nop())
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, registry
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *rtmpprotocol.ChunkReader
	writer *rtmpprotocol.ChunkWriter
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := rtmpprotocol.NewHandshake(true, zerolog.Nop()).Run(conn); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	return &testClient{
		t:      t,
		conn:   conn,
		reader: rtmpprotocol.NewChunkReader(conn, rtmpprotocol.FromServer, 0),
		writer: rtmpprotocol.NewChunkWriter(rtmpprotocol.FromClient),
	}
}

func (c *testClient) send(channel uint8, typ rtmpprotocol.MessageType, streamID, timestamp uint32, body []byte) {
	c.t.Helper()
	b := buffer.New(len(body) + 64)
	if err := c.writer.Frame(b, channel, typ, streamID, timestamp, body); err != nil {
		c.t.Fatalf("Frame failed: %v", err)
	}
	if _, err := c.conn.Write(b.Bytes()); err != nil {
		c.t.Fatalf("Write failed: %v", err)
	}
}

func (c *testClient) invoke(streamID uint32, method string, txn float64, args ...amf0.Value) {
	c.t.Helper()
	body, err := rtmpprotocol.EncodeInvoke(method, txn, args...)
	if err != nil {
		c.t.Fatalf("EncodeInvoke failed: %v", err)
	}
	channel := rtmpprotocol.ChannelCommand
	if streamID != 0 {
		channel = rtmpprotocol.ChannelStream
	}
	c.send(channel, rtmpprotocol.TypeInvoke, streamID, 0, body)
}

// next reads one message, applying chunk size changes from the server.
func (c *testClient) next() *rtmpprotocol.RawMessage {
	c.t.Helper()
	msg, err := c.reader.ReadMessage()
	if err != nil {
		c.t.Fatalf("ReadMessage failed: %v", err)
	}
	if msg.Header.Type == rtmpprotocol.TypeChunkSize {
		size, err := rtmpprotocol.ParseSetChunkSize(msg.Body)
		if err != nil {
			c.t.Fatalf("Bad chunk size from server: %v", err)
		}
		c.reader.SetChunkSize(int(size))
	}
	return msg
}

// nextInvoke skips messages until an Invoke arrives and decodes it.
func (c *testClient) nextInvoke() *rtmpprotocol.Message {
	c.t.Helper()
	for i := 0; i < 32; i++ {
		msg := c.next()
		if msg.Header.Type != rtmpprotocol.TypeInvoke {
			continue
		}
		m, err := rtmpprotocol.DecodeMessage(msg.Header, msg.Body, amf0.DefaultDecoder)
		if err != nil {
			c.t.Fatalf("DecodeMessage failed: %v", err)
		}
		return m
	}
	c.t.Fatal("No invoke received")
	return nil
}

// nextMedia skips messages until audio, video or data arrives.
func (c *testClient) nextMedia() *rtmpprotocol.RawMessage {
	c.t.Helper()
	for i := 0; i < 32; i++ {
		msg := c.next()
		switch msg.Header.Type {
		case rtmpprotocol.TypeAudio, rtmpprotocol.TypeVideo, rtmpprotocol.TypeNotify:
			return msg
		}
	}
	c.t.Fatal("No media received")
	return nil
}

func (c *testClient) expectStatus(want rtmpprotocol.Status) *rtmpprotocol.Message {
	c.t.Helper()
	m := c.nextInvoke()
	if m.Method != rtmpprotocol.MethodOnStatus || m.Status != want {
		c.t.Fatalf("Expected onStatus %s, got %s %s", want.Code(), m.Method, m.Status.Code())
	}
	return m
}

func (c *testClient) connect(app string) {
	c.t.Helper()
	c.invoke(0, rtmpprotocol.MethodConnect, 1, amf0.NewObject(
		amf0.Prop("app", amf0.String(app)),
		amf0.Prop("objectEncoding", amf0.Number(0)),
	))
	m := c.nextInvoke()
	if m.Method != rtmpprotocol.MethodResult || m.Status != rtmpprotocol.NCConnectSuccess {
		c.t.Fatalf("Expected connect success, got %s %s", m.Method, m.Status.Code())
	}
}

func (c *testClient) createStream(txn float64) uint32 {
	c.t.Helper()
	c.invoke(0, rtmpprotocol.MethodCreateStream, txn, amf0.Null{})
	m := c.nextInvoke()
	if m.Method != rtmpprotocol.MethodResult || m.TransactionID != txn {
		c.t.Fatalf("Expected _result for %v, got %s %v", txn, m.Method, m.TransactionID)
	}
	id, ok := m.NumberArg(1)
	if !ok {
		c.t.Fatalf("Expected stream id in createStream result, got %v", m.Arguments)
	}
	return uint32(id)
}

func TestConnectSequence(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)

	c.invoke(0, rtmpprotocol.MethodConnect, 1, amf0.NewObject(amf0.Prop("app", amf0.String("live/"))))

	var types []rtmpprotocol.MessageType
	var result *rtmpprotocol.RawMessage
	for result == nil {
		msg := c.next()
		types = append(types, msg.Header.Type)
		if msg.Header.Type == rtmpprotocol.TypeInvoke {
			result = msg
		}
	}
	want := []rtmpprotocol.MessageType{
		rtmpprotocol.TypeServer, rtmpprotocol.TypeClient, rtmpprotocol.TypeChunkSize, rtmpprotocol.TypeInvoke,
	}
	if len(types) != len(want) {
		t.Fatalf("Expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Message %d: expected %s, got %s", i, want[i], types[i])
		}
	}

	m, err := rtmpprotocol.DecodeMessage(result.Header, result.Body, amf0.DefaultDecoder)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if m.Method != rtmpprotocol.MethodResult || m.TransactionID != 1 {
		t.Errorf("Expected _result txn 1, got %s %v", m.Method, m.TransactionID)
	}
	props, ok := m.ObjectArg(0)
	if !ok {
		t.Fatalf("Expected properties object, got %v", m.Arguments)
	}
	if v, _ := props.GetString("fmsVer"); v != serverVersion {
		t.Errorf("Expected fmsVer %q, got %q", serverVersion, v)
	}
	if m.Status != rtmpprotocol.NCConnectSuccess {
		t.Errorf("Expected %s, got %s", rtmpprotocol.NCConnectSuccess.Code(), m.Status.Code())
	}
	info, ok := m.ObjectArg(1)
	if !ok {
		t.Fatalf("Expected status object, got %v", m.Arguments)
	}
	clientID, ok := info.GetNumber("clientid")
	if !ok || clientID < 1 {
		t.Errorf("Expected positive clientid, got %v (present %v)", clientID, ok)
	}

	conns := srv.Connections()
	if len(conns) != 1 {
		t.Fatalf("Expected 1 connection, got %d", len(conns))
	}
	if conns[0].App != "live" || conns[0].State != StateConnected || conns[0].Proto != "tcp" {
		t.Errorf("Unexpected connection info %+v", conns[0])
	}
	if len(conns[0].ClientIDs) != 1 || float64(conns[0].ClientIDs[0]) != clientID {
		t.Errorf("Expected client ids [%v], got %v", clientID, conns[0].ClientIDs)
	}
}

func TestCommandBeforeConnect(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)

	c.invoke(0, rtmpprotocol.MethodCreateStream, 2, amf0.Null{})
	m := c.nextInvoke()
	if m.Method != rtmpprotocol.MethodError || m.TransactionID != 2 {
		t.Fatalf("Expected _error txn 2, got %s %v", m.Method, m.TransactionID)
	}
	if m.Status != rtmpprotocol.NCCallFailed {
		t.Errorf("Expected %s, got %s", rtmpprotocol.NCCallFailed.Code(), m.Status.Code())
	}
}

func TestUnknownCommandGetsResult(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)
	c.connect("live")

	c.invoke(0, "checkBandwidth", 7, amf0.Null{})
	m := c.nextInvoke()
	if m.Method != rtmpprotocol.MethodResult || m.TransactionID != 7 {
		t.Fatalf("Expected _result txn 7, got %s %v", m.Method, m.TransactionID)
	}
	if _, ok := m.Arg(0).(amf0.Null); !ok {
		t.Errorf("Expected null result, got %v", m.Arguments)
	}
}

func TestClientPingGetsPong(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)
	c.connect("live")

	ping := rtmpprotocol.NewStreamPing(rtmpprotocol.PingClientPing, 0x00010002)
	c.send(rtmpprotocol.ChannelControl, rtmpprotocol.TypePing, 0, 0, ping.Encode())

	for i := 0; i < 8; i++ {
		msg := c.next()
		if msg.Header.Type != rtmpprotocol.TypePing {
			continue
		}
		p, err := rtmpprotocol.DecodePing(msg.Body)
		if err != nil {
			t.Fatalf("DecodePing failed: %v", err)
		}
		if p.Type != rtmpprotocol.PingClientPong || p.StreamID() != 0x00010002 {
			t.Errorf("Expected pong echoing 0x00010002, got %s %#x", p.Type, p.StreamID())
		}
		return
	}
	t.Fatal("No pong received")
}

func TestPublishAndPlay(t *testing.T) {
	srv, registry := startServer(t)

	pub := dial(t, srv)
	pub.connect("live")
	pubID := pub.createStream(2)
	if pubID != 1 {
		t.Errorf("Expected first stream id 1, got %d", pubID)
	}
	pub.invoke(pubID, rtmpprotocol.MethodPublish, 0, amf0.Null{}, amf0.String("cam?token=x"), amf0.String("live"))
	pub.expectStatus(rtmpprotocol.NSPublishStart)

	meta, err := amf0.Marshal(amf0.String("@setDataFrame"), amf0.String("onMetaData"),
		amf0.ECMAArray{Properties: []amf0.Property{amf0.Prop("width", amf0.Number(640))}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	pub.send(rtmpprotocol.ChannelStream, rtmpprotocol.TypeNotify, pubID, 0, meta)
	pub.send(rtmpprotocol.ChannelVideo, rtmpprotocol.TypeVideo, pubID, 0, []byte{0x17, 0x00, 0, 0, 0, 1, 2})
	// Messages are handled in order, so a reply means both were published.
	pub.invoke(0, "sync", 9, amf0.Null{})
	if m := pub.nextInvoke(); m.TransactionID != 9 {
		t.Fatalf("Expected _result txn 9, got %s %v", m.Method, m.TransactionID)
	}

	// A second publisher of the same name is refused.
	other := dial(t, srv)
	other.connect("live")
	otherID := other.createStream(2)
	other.invoke(otherID, rtmpprotocol.MethodPublish, 0, amf0.Null{}, amf0.String("cam"))
	other.expectStatus(rtmpprotocol.NSPublishBadName)

	play := dial(t, srv)
	play.connect("live")
	playID := play.createStream(2)
	play.invoke(playID, rtmpprotocol.MethodPlay, 0, amf0.Null{}, amf0.String("cam"))
	play.expectStatus(rtmpprotocol.NSPlayReset)
	play.expectStatus(rtmpprotocol.NSPlayStart)

	// Cached metadata and sequence header are replayed at timestamp 0.
	msg := play.nextMedia()
	if msg.Header.Type != rtmpprotocol.TypeNotify {
		t.Fatalf("Expected metadata first, got %s", msg.Header.Type)
	}
	values, err := amf0.Unmarshal(msg.Body)
	if err != nil || len(values) == 0 || values[0] != amf0.String("onMetaData") {
		t.Errorf("Expected plain onMetaData, got %v (%v)", values, err)
	}
	msg = play.nextMedia()
	if msg.Header.Type != rtmpprotocol.TypeVideo || msg.Body[1] != 0x00 {
		t.Fatalf("Expected video sequence header, got %s % x", msg.Header.Type, msg.Body)
	}

	pub.send(rtmpprotocol.ChannelVideo, rtmpprotocol.TypeVideo, pubID, 1000, []byte{0x27, 0x01, 0, 0, 0, 9})
	pub.send(rtmpprotocol.ChannelVideo, rtmpprotocol.TypeVideo, pubID, 1040, []byte{0x17, 0x01, 0, 0, 0, 7})
	pub.send(rtmpprotocol.ChannelAudio, rtmpprotocol.TypeAudio, pubID, 1060, []byte{0xAF, 0x01, 5})

	msg = play.nextMedia()
	if msg.Header.Type != rtmpprotocol.TypeVideo || msg.Body[0] != 0x17 || msg.Body[1] != 0x01 {
		t.Fatalf("Expected playback to start at a keyframe, got %s % x", msg.Header.Type, msg.Body)
	}
	if msg.Header.Timestamp != 0 {
		t.Errorf("Expected keyframe rebased to 0, got %d", msg.Header.Timestamp)
	}
	if msg.Header.StreamID != playID {
		t.Errorf("Expected stream id %d, got %d", playID, msg.Header.StreamID)
	}
	msg = play.nextMedia()
	if msg.Header.Type != rtmpprotocol.TypeAudio || msg.Header.Timestamp != 20 {
		t.Errorf("Expected audio at 20, got %s at %d", msg.Header.Type, msg.Header.Timestamp)
	}

	info := registry.Infos()
	if len(info) != 1 || info[0].Key.String() != "live/cam" || info[0].Subscribers != 1 {
		t.Errorf("Unexpected registry state %+v", info)
	}

	pub.invoke(pubID, methodCloseStream, 0, amf0.Null{})
	pub.expectStatus(rtmpprotocol.NSUnpublishSuccess)
}

func TestServerClose(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv)
	c.connect("live")

	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if srv.Count() != 0 {
		t.Errorf("Expected no connections after Close, got %d", srv.Count())
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.reader.ReadMessage(); err == nil {
		t.Error("Expected read error after server close")
	}
}

type hookedMessage struct {
	stream    uint32
	typ       rtmpprotocol.MessageType
	timestamp uint32
	body      string
}

// hookOps accepts every stream command and records OnMessage calls.
type hookOps struct {
	mu       sync.Mutex
	messages []hookedMessage
}

func (o *hookOps) CreateStream(id uint32) error                           { return nil }
func (o *hookOps) PlayStream(id uint32, name string, start float64) error { return nil }
func (o *hookOps) SeekStream(id uint32, ms float64) error                 { return nil }
func (o *hookOps) PauseStream(id uint32) error                            { return nil }
func (o *hookOps) ResumeStream(id uint32) error                           { return nil }
func (o *hookOps) TogglePause(id uint32) error                            { return nil }
func (o *hookOps) PublishStream(id uint32, name, kind string) error       { return nil }
func (o *hookOps) CloseStream(id uint32) error                            { return nil }
func (o *hookOps) Close()                                                 {}

func (o *hookOps) OnMessage(id uint32, typ rtmpprotocol.MessageType, timestamp uint32, body []byte) {
	o.mu.Lock()
	o.messages = append(o.messages, hookedMessage{id, typ, timestamp, string(body)})
	o.mu.Unlock()
}

func (o *hookOps) recorded() []hookedMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]hookedMessage(nil), o.messages...)
}

func TestUnknownStreamMessagesReachHook(t *testing.T) {
	ops := &hookOps{}
	srv := NewServer(DefaultConfig(), func(uint64, string, streams.Sink) StreamOps { return ops }, zerolog.Nop())
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	c := dial(t, srv)
	c.connect("live")
	id := c.createStream(2)

	call, _ := rtmpprotocol.EncodeInvoke("customCall", 0, amf0.Null{}, amf0.String("x"))
	c.send(rtmpprotocol.ChannelStream, rtmpprotocol.TypeInvoke, id, 40, call)
	cue, _ := rtmpprotocol.EncodeNotify("onCuePoint", amf0.String("chapter"))
	c.send(rtmpprotocol.ChannelStream, rtmpprotocol.TypeNotify, id, 80, cue)
	so, _ := rtmpprotocol.EncodeNotify("room")
	c.send(rtmpprotocol.ChannelStream, rtmpprotocol.TypeSharedObject, id, 120, so)
	// Unknown calls on stream 0 stay with the connection.
	c.invoke(0, "checkBandwidth", 0, amf0.Null{})
	// Forwarded calls with a transaction id are still answered.
	c.invoke(id, "customQuery", 9, amf0.Null{})
	m := c.nextInvoke()
	if m.Method != rtmpprotocol.MethodResult || m.TransactionID != 9 {
		t.Fatalf("Expected _result txn 9, got %s %v", m.Method, m.TransactionID)
	}

	got := ops.recorded()
	want := []rtmpprotocol.MessageType{
		rtmpprotocol.TypeInvoke, rtmpprotocol.TypeNotify, rtmpprotocol.TypeSharedObject, rtmpprotocol.TypeInvoke,
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d forwarded messages, got %+v", len(want), got)
	}
	for i, typ := range want {
		if got[i].stream != id || got[i].typ != typ {
			t.Errorf("Message %d: expected stream %d %s, got %d %s", i, id, typ, got[i].stream, got[i].typ)
		}
	}
	if got[0].body != string(call) || got[0].timestamp != 40 {
		t.Errorf("Expected customCall body at 40, got %q at %d", got[0].body, got[0].timestamp)
	}
	if got[1].body != string(cue) || got[1].timestamp != 80 {
		t.Errorf("Expected onCuePoint body at 80, got %q at %d", got[1].body, got[1].timestamp)
	}
}

func TestServeConnAfterClose(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil, zerolog.Nop())
	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() {
		srv.ServeConn(server, "tcp")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return on a closed server")
	}
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Expected io.EOF from the dropped connection, got %v", err)
	}
	if srv.Count() != 0 {
		t.Errorf("Expected no connections, got %d", srv.Count())
	}
}
