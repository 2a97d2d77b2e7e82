package blaze

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openspore-project/openspore/internal/tdf"
)

func startTestServer(t *testing.T, reg *Registry, cfg ServerConfig) *Server {
	t.Helper()

	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []Endpoint{{Name: "test", Addr: "127.0.0.1:0"}}
	}
	srv := NewServer(cfg, reg, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr(cfg.Endpoints[0].Name) == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv
}

func dialTest(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func emptyBody() []byte {
	return tdf.Marshal(tdf.NewStruct())
}

func TestRegistryRejectsDuplicateHandler(t *testing.T) {
	reg := NewRegistry()
	h := func(ctx context.Context, s *Session, req *tdf.Struct) Result {
		return Response(nil)
	}

	if err := reg.Register(ComponentUtil, 0x0001, h); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(ComponentUtil, 0x0001, h); !errors.Is(err, ErrHandlerAlreadyRegistered) {
		t.Fatalf("second Register err = %v, want ErrHandlerAlreadyRegistered", err)
	}
	if err := reg.Register(ComponentUtil, 0x0002, h); err != nil {
		t.Fatalf("Register distinct command: %v", err)
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ComponentUtil, 0x0001, func(ctx context.Context, s *Session, req *tdf.Struct) Result {
		name, _ := req.GetString("NAME")
		body := tdf.NewStruct().Put("ECHO", tdf.String(name))
		return Response(body)
	})
	srv := startTestServer(t, reg, ServerConfig{})

	conn := dialTest(t, srv.Addr("test"))
	req := tdf.NewStruct().Put("NAME", tdf.String("darkspore"))
	WriteFrame(conn, Frame{
		Component: ComponentUtil,
		Command:   0x0001,
		Kind:      KindRequest,
		MsgID:     7,
		Payload:   tdf.Marshal(req),
	})

	resp, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if resp.Kind != KindResponse {
		t.Fatalf("kind = %v, want response", resp.Kind)
	}
	if resp.MsgID != 7 {
		t.Fatalf("msgId = %d, want 7", resp.MsgID)
	}
	if resp.Component != ComponentUtil || resp.Command != 0x0001 {
		t.Fatalf("echoed route = (0x%04X, 0x%04X)", resp.Component, resp.Command)
	}

	body, err := tdf.Unmarshal(resp.Payload)
	if err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if got, _ := body.GetString("ECHO"); got != "darkspore" {
		t.Fatalf("ECHO = %q, want %q", got, "darkspore")
	}
}

func TestUnknownCommandAnswersError(t *testing.T) {
	srv := startTestServer(t, NewRegistry(), ServerConfig{})

	conn := dialTest(t, srv.Addr("test"))
	WriteFrame(conn, Frame{
		Component: ComponentRooms,
		Command:   0x00FF,
		Kind:      KindRequest,
		MsgID:     3,
		Payload:   emptyBody(),
	})

	resp, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if resp.Kind != KindError {
		t.Fatalf("kind = %v, want error", resp.Kind)
	}
	if resp.ErrorCode != CodeCommandNotFound {
		t.Fatalf("code = 0x%04X, want CodeCommandNotFound", resp.ErrorCode)
	}
	if resp.MsgID != 3 {
		t.Fatalf("msgId = %d, want 3", resp.MsgID)
	}
}

func TestPingAnsweredWithoutHandler(t *testing.T) {
	srv := startTestServer(t, NewRegistry(), ServerConfig{})

	conn := dialTest(t, srv.Addr("test"))
	WriteFrame(conn, Frame{Kind: KindPing, MsgID: 42})

	resp, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if resp.Kind != KindPong {
		t.Fatalf("kind = %v, want pong", resp.Kind)
	}
	if resp.MsgID != 42 {
		t.Fatalf("msgId = %d, want 42", resp.MsgID)
	}
}

func TestServerFramesCarryDecodablePayload(t *testing.T) {
	srv := startTestServer(t, NewRegistry(), ServerConfig{})

	conn := dialTest(t, srv.Addr("test"))

	// Pong is built by the session itself, not a handler.
	WriteFrame(conn, Frame{Kind: KindPing, MsgID: 1})
	pong, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if pong.Kind != KindPong {
		t.Fatalf("kind = %v, want pong", pong.Kind)
	}
	if len(pong.Payload) == 0 {
		t.Fatal("pong carries no payload")
	}
	if _, err := tdf.Unmarshal(pong.Payload); err != nil {
		t.Fatalf("pong payload does not decode: %v", err)
	}

	// So is the error frame for an unroutable request.
	WriteFrame(conn, Frame{
		Component: ComponentRooms,
		Command:   0x00EE,
		Kind:      KindRequest,
		MsgID:     2,
		Payload:   emptyBody(),
	})
	fail, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if fail.Kind != KindError {
		t.Fatalf("kind = %v, want error", fail.Kind)
	}
	if len(fail.Payload) == 0 {
		t.Fatal("error frame carries no payload")
	}
	if _, err := tdf.Unmarshal(fail.Payload); err != nil {
		t.Fatalf("error payload does not decode: %v", err)
	}
}

func TestDrainNoticeCarriesDecodablePayload(t *testing.T) {
	srv := startTestServer(t, NewRegistry(), ServerConfig{})

	conn := dialTest(t, srv.Addr("test"))

	// Ping fence so the session is attached before the shutdown starts.
	WriteFrame(conn, Frame{Kind: KindPing, MsgID: 1})
	if _, err := ReadFrame(conn, 0); err != nil {
		t.Fatalf("ping fence: %v", err)
	}

	go srv.Shutdown(time.Second)

	drain, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if drain.Kind != KindNotification || drain.Command != CommandNotifyDrain {
		t.Fatalf("got kind=%v cmd=0x%04X, want notification/CommandNotifyDrain", drain.Kind, drain.Command)
	}
	if _, err := tdf.Unmarshal(drain.Payload); err != nil {
		t.Fatalf("drain payload does not decode: %v", err)
	}
}

func TestEndpointComponentFilter(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ComponentRedirector, 0x0001, func(ctx context.Context, s *Session, req *tdf.Struct) Result {
		return Response(nil)
	})
	srv := startTestServer(t, reg, ServerConfig{
		Endpoints: []Endpoint{{
			Name:       "test",
			Addr:       "127.0.0.1:0",
			Components: []uint16{ComponentRedirector},
		}},
	})

	conn := dialTest(t, srv.Addr("test"))

	// A component outside the filter is refused even though no handler
	// lookup would fail.
	WriteFrame(conn, Frame{
		Component: ComponentGameManager,
		Command:   0x0001,
		Kind:      KindRequest,
		MsgID:     1,
		Payload:   emptyBody(),
	})
	resp, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if resp.Kind != KindError || resp.ErrorCode != CodeUnsupportedComponent {
		t.Fatalf("got kind=%v code=0x%04X, want error/CodeUnsupportedComponent", resp.Kind, resp.ErrorCode)
	}

	// The allowed component still works on the same connection.
	WriteFrame(conn, Frame{
		Component: ComponentRedirector,
		Command:   0x0001,
		Kind:      KindRequest,
		MsgID:     2,
		Payload:   emptyBody(),
	})
	resp, err = ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if resp.Kind != KindResponse || resp.MsgID != 2 {
		t.Fatalf("got kind=%v msgId=%d, want response/2", resp.Kind, resp.MsgID)
	}
}

func TestMalformedPayloadAnswersError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ComponentUtil, 0x0001, func(ctx context.Context, s *Session, req *tdf.Struct) Result {
		return Response(nil)
	})
	srv := startTestServer(t, reg, ServerConfig{})

	conn := dialTest(t, srv.Addr("test"))
	WriteFrame(conn, Frame{
		Component: ComponentUtil,
		Command:   0x0001,
		Kind:      KindRequest,
		MsgID:     9,
		Payload:   []byte{0xFF, 0xFF}, // not a valid encoded struct
	})

	resp, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if resp.Kind != KindError || resp.ErrorCode != CodeInvalidArgument {
		t.Fatalf("got kind=%v code=0x%04X, want error/CodeInvalidArgument", resp.Kind, resp.ErrorCode)
	}
	if _, err := tdf.Unmarshal(resp.Payload); err != nil {
		t.Fatalf("error frame payload does not decode: %v", err)
	}

	// Undecodable traffic costs the connection, not just the exchange.
	if _, err := ReadFrame(conn, 0); err == nil {
		t.Fatal("connection still open after malformed request")
	}
}

func TestMalformedNotificationDropsSession(t *testing.T) {
	srv := startTestServer(t, NewRegistry(), ServerConfig{})

	conn := dialTest(t, srv.Addr("test"))
	WriteFrame(conn, Frame{
		Component: ComponentRooms,
		Command:   0x0030,
		Kind:      KindNotification,
		Payload:   []byte{0xFF},
	})

	if _, err := ReadFrame(conn, 0); err == nil {
		t.Fatal("connection still open after malformed notification")
	}
}

func TestSessionCapRefusesExtraConnections(t *testing.T) {
	srv := startTestServer(t, NewRegistry(), ServerConfig{MaxSessions: 1})

	first := dialTest(t, srv.Addr("test"))
	WriteFrame(first, Frame{Kind: KindPing, MsgID: 1})
	if _, err := ReadFrame(first, 0); err != nil {
		t.Fatalf("first session ping: %v", err)
	}

	second := dialTest(t, srv.Addr("test"))
	if _, err := ReadFrame(second, 0); err == nil {
		t.Fatal("second connection was served past the session cap")
	}
}

func TestResponsePrecedesHandlerNotifications(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ComponentGameManager, 0x0001, func(ctx context.Context, s *Session, req *tdf.Struct) Result {
		note := tdf.NewStruct().Put("GID ", tdf.Integer(1))
		return Response(nil).Notify(s, ComponentGameManager, 0x0010, note)
	})
	srv := startTestServer(t, reg, ServerConfig{})

	conn := dialTest(t, srv.Addr("test"))
	WriteFrame(conn, Frame{
		Component: ComponentGameManager,
		Command:   0x0001,
		Kind:      KindRequest,
		MsgID:     5,
		Payload:   emptyBody(),
	})

	first, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if first.Kind != KindResponse || first.MsgID != 5 {
		t.Fatalf("first frame kind=%v msgId=%d, want response/5", first.Kind, first.MsgID)
	}

	second, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if second.Kind != KindNotification || second.Command != 0x0010 {
		t.Fatalf("second frame kind=%v cmd=0x%04X, want notification/0x0010", second.Kind, second.Command)
	}
}

func TestDeferredResultCompletesLater(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ComponentGameManager, 0x0002, func(ctx context.Context, s *Session, req *tdf.Struct) Result {
		future := make(chan Result, 1)
		go func() {
			time.Sleep(20 * time.Millisecond)
			future <- Response(tdf.NewStruct().Put("DONE", tdf.Integer(1)))
		}()
		return Deferred(future)
	})
	srv := startTestServer(t, reg, ServerConfig{})

	conn := dialTest(t, srv.Addr("test"))
	WriteFrame(conn, Frame{
		Component: ComponentGameManager,
		Command:   0x0002,
		Kind:      KindRequest,
		MsgID:     11,
		Payload:   emptyBody(),
	})

	resp, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if resp.Kind != KindResponse || resp.MsgID != 11 {
		t.Fatalf("got kind=%v msgId=%d, want response/11", resp.Kind, resp.MsgID)
	}
	body, err := tdf.Unmarshal(resp.Payload)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if done, _ := body.GetInt("DONE"); done != 1 {
		t.Fatalf("DONE = %d, want 1", done)
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ComponentUserSessions, CommandSubscribe, func(ctx context.Context, s *Session, req *tdf.Struct) Result {
		comp, _ := req.GetInt("CMPN")
		s.Subscribe(uint16(comp))
		return Response(nil)
	})
	srv := startTestServer(t, reg, ServerConfig{})

	subscriber := dialTest(t, srv.Addr("test"))
	bystander := dialTest(t, srv.Addr("test"))

	sub := tdf.NewStruct().Put("CMPN", tdf.Integer(int64(ComponentRooms)))
	WriteFrame(subscriber, Frame{
		Component: ComponentUserSessions,
		Command:   CommandSubscribe,
		Kind:      KindRequest,
		MsgID:     1,
		Payload:   tdf.Marshal(sub),
	})
	if resp, err := ReadFrame(subscriber, 0); err != nil || resp.Kind != KindResponse {
		t.Fatalf("subscribe reply: frame=%+v err=%v", resp, err)
	}

	srv.Broadcast(ComponentRooms, 0x0020, tdf.NewStruct().Put("ROOM", tdf.Integer(4)))

	note, err := ReadFrame(subscriber, 0)
	if err != nil {
		t.Fatalf("subscriber ReadFrame: %v", err)
	}
	if note.Kind != KindNotification || note.Component != ComponentRooms || note.Command != 0x0020 {
		t.Fatalf("notification = %+v", note)
	}

	// The bystander never subscribed. A ping fence proves nothing was
	// queued ahead of the pong.
	WriteFrame(bystander, Frame{Kind: KindPing, MsgID: 2})
	fence, err := ReadFrame(bystander, 0)
	if err != nil {
		t.Fatalf("bystander ReadFrame: %v", err)
	}
	if fence.Kind != KindPong {
		t.Fatalf("bystander received %v before pong, broadcast leaked", fence.Kind)
	}
}

func TestClientCallAndTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ComponentUtil, 0x0001, func(ctx context.Context, s *Session, req *tdf.Struct) Result {
		return Response(tdf.NewStruct().Put("OK  ", tdf.Integer(1)))
	})
	reg.Register(ComponentUtil, 0x0002, func(ctx context.Context, s *Session, req *tdf.Struct) Result {
		// Never completes. The client's deadline must fire.
		return Deferred(make(chan Result))
	})
	srv := startTestServer(t, reg, ServerConfig{})

	ctx := context.Background()
	client := NewClient(srv.Addr("test"), zerolog.Nop(), WithRequestTimeout(100*time.Millisecond))
	if err := client.Dial(ctx); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	body, err := client.Call(ctx, ComponentUtil, 0x0001, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if ok, _ := body.GetInt("OK  "); ok != 1 {
		t.Fatalf("OK = %d, want 1", ok)
	}

	if _, err := client.Call(ctx, ComponentUtil, 0x0002, nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestServerRequestUsesConfiguredDefaultTimeout(t *testing.T) {
	outcome := make(chan error, 1)
	reg := NewRegistry()
	reg.Register(ComponentUtil, 0x0001, func(ctx context.Context, s *Session, req *tdf.Struct) Result {
		future := make(chan Result, 1)
		go func() {
			// No explicit deadline: the server's configured default
			// applies. The peer never answers.
			sink, err := s.SendRequest(ComponentUserSessions, 0x0050, nil, 0)
			if err != nil {
				outcome <- err
				future <- Failure(CodeInternal, nil)
				return
			}
			reply := <-sink
			outcome <- reply.Err
			future <- Response(nil)
		}()
		return Deferred(future)
	})
	srv := startTestServer(t, reg, ServerConfig{RequestTimeout: 50 * time.Millisecond})

	conn := dialTest(t, srv.Addr("test"))
	WriteFrame(conn, Frame{
		Component: ComponentUtil,
		Command:   0x0001,
		Kind:      KindRequest,
		MsgID:     1,
		Payload:   emptyBody(),
	})

	select {
	case err := <-outcome:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server request never timed out")
	}
}

func TestPendingRequestsFailOnClose(t *testing.T) {
	srv := startTestServer(t, NewRegistry(), ServerConfig{})

	ctx := context.Background()
	client := NewClient(srv.Addr("test"), zerolog.Nop(), WithRequestTimeout(30*time.Second))
	if err := client.Dial(ctx); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	s := client.Session()
	sink, err := s.SendRequest(ComponentUtil, 0x0077, nil, 30*time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	// Give the request a moment to leave, then drop the session. The
	// server will answer CommandNotFound, but close may win the race;
	// either terminal outcome must produce exactly one reply.
	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case reply, ok := <-sink:
		if !ok {
			t.Fatal("sink closed without a reply")
		}
		if reply.Err == nil && reply.Frame.Kind != KindError {
			t.Fatalf("reply = %+v, want error outcome", reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply after close")
	}
}

func TestTrySendBackpressure(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	// No writer goroutine drains the queue, so filling it past capacity
	// must reject rather than block.
	s := newSession(1, srv, nil, NewRegistry(), 0, zerolog.Nop())
	for i := 0; i < outboundQueueCap; i++ {
		if err := s.TrySend(Frame{Kind: KindPing}); err != nil {
			t.Fatalf("TrySend %d: %v", i, err)
		}
	}
	if err := s.TrySend(Frame{Kind: KindPing}); !errors.Is(err, ErrBackpressureExceeded) {
		t.Fatalf("err = %v, want ErrBackpressureExceeded", err)
	}

	s.Close()
	if err := s.TrySend(Frame{Kind: KindPing}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("after close err = %v, want ErrSessionClosed", err)
	}
	if err := s.Send(Frame{Kind: KindPing}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send after close err = %v, want ErrSessionClosed", err)
	}
}
