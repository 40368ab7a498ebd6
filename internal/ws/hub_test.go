package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/taskpulse/backend/internal/auth"
	"github.com/taskpulse/backend/internal/metrics"
	"github.com/taskpulse/backend/internal/room"
	"github.com/taskpulse/backend/internal/session"
)

// testVerifier accepts "tok-<identity>" tokens.
var testVerifier = auth.VerifierFunc(func(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", auth.ErrMissingToken
	}
	if identity, ok := strings.CutPrefix(token, "tok-"); ok && identity != "" {
		return identity, nil
	}
	return "", auth.ErrInvalidToken
})

type frame struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func newTestHub(opts ...Option) *Hub {
	opts = append([]Option{WithLogger(log.New(io.Discard))}, opts...)
	return NewHub(testVerifier, opts...)
}

// connect accepts a session, runs its handshake with token and discards
// the connected frame.
func connect(t *testing.T, h *Hub, id, token string, opts ...session.Option) *session.Session {
	t.Helper()
	s := session.New(id, "test", opts...)
	if err := h.Accept(s); err != nil {
		t.Fatalf("Accept(%s): %v", id, err)
	}
	h.Authenticate(context.Background(), s, auth.Credential{Header: token})
	if got := drain(s); len(got) != 1 {
		t.Fatalf("session %s: %d frames after handshake, want 1", id, len(got))
	}
	return s
}

func drain(s *session.Session) [][]byte {
	var out [][]byte
	for {
		select {
		case b := <-s.Outbound():
			out = append(out, b)
		default:
			return out
		}
	}
}

func decodeFrames(t *testing.T, raw [][]byte) []frame {
	t.Helper()
	out := make([]frame, 0, len(raw))
	for _, b := range raw {
		var f frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("decode frame %s: %v", b, err)
		}
		out = append(out, f)
	}
	return out
}

func TestHandshakeAuthenticated(t *testing.T) {
	h := newTestHub()
	s := session.New("s1", "test")
	if err := h.Accept(s); err != nil {
		t.Fatal(err)
	}

	res := h.Authenticate(context.Background(), s, auth.Credential{Header: "tok-u1"})
	if res.Err != nil || res.Identity != "u1" || res.State != session.Authenticated || res.Source != auth.SourceHeader {
		t.Fatalf("result = %+v", res)
	}
	if !h.IsOnline("u1") {
		t.Error("u1 should be online")
	}
	if got := h.RoomsOf(s); !reflect.DeepEqual(got, []string{"user:u1"}) {
		t.Errorf("rooms = %v, want [user:u1]", got)
	}

	frames := decodeFrames(t, drain(s))
	if len(frames) != 1 || frames[0].Type != EventConnected {
		t.Fatalf("frames = %+v, want one connected", frames)
	}
	var p ConnectedPayload
	if err := json.Unmarshal(frames[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Identity != "u1" || !p.Authenticated || p.Anonymous || p.SessionID != "s1" {
		t.Errorf("connected payload = %+v", p)
	}
}

func TestHandshakeCredentialPrecedence(t *testing.T) {
	h := newTestHub()
	s := session.New("s1", "test")
	_ = h.Accept(s)

	res := h.Authenticate(context.Background(), s, auth.Credential{
		Explicit: "tok-explicit",
		Header:   "tok-header",
		Query:    "tok-query",
	})
	if res.Identity != "explicit" || res.Source != auth.SourceExplicit {
		t.Fatalf("result = %+v, want explicit", res)
	}
}

func TestHandshakeAnonymous(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"missing", "", auth.ErrMissingToken},
		{"invalid", "garbage", auth.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub()
			s := session.New("s1", "test")
			_ = h.Accept(s)

			res := h.Authenticate(context.Background(), s, auth.Credential{Query: tt.token})
			if !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", res.Err, tt.wantErr)
			}
			if res.State != session.Anonymous || res.Identity != "anonymous:s1" {
				t.Errorf("result = %+v", res)
			}
			if got := h.ListOnlineIdentities(); len(got) != 0 {
				t.Errorf("ListOnlineIdentities = %v, want empty", got)
			}
			if got := h.RoomsOf(s); len(got) != 0 {
				t.Errorf("anonymous session joined %v", got)
			}

			frames := decodeFrames(t, drain(s))
			var p ConnectedPayload
			if err := json.Unmarshal(frames[0].Payload, &p); err != nil {
				t.Fatal(err)
			}
			if !p.Anonymous || p.Authenticated || p.Identity != "anonymous:s1" {
				t.Errorf("connected payload = %+v", p)
			}
		})
	}
}

func TestHandshakeJoinsPersonalRoomForAnySubject(t *testing.T) {
	for _, identity := range []string{"u1", "alice+work@example.com", "_svc", "Jane Doe"} {
		t.Run(identity, func(t *testing.T) {
			h := newTestHub()
			s := connect(t, h, "s1", "tok-"+identity)

			if s.State() != session.Authenticated {
				t.Fatalf("state = %s", s.State())
			}
			want := []string{room.UserRoom(identity)}
			if got := h.RoomsOf(s); !reflect.DeepEqual(got, want) {
				t.Errorf("rooms = %v, want %v", got, want)
			}
			if n := h.SendToRoom(room.UserRoom(identity), EventNotification, nil); n != 1 {
				t.Errorf("personal room delivered %d, want 1", n)
			}
			if got := h.Status().Rooms[room.UserRoom(identity)]; got != 1 {
				t.Errorf("status rooms[%s] = %d, want 1", room.UserRoom(identity), got)
			}
		})
	}
}

func TestHandshakeRejectsUnroutableIdentity(t *testing.T) {
	for _, identity := range []string{" padded", "nul\x00", "anonymous:forged"} {
		t.Run(identity, func(t *testing.T) {
			h := newTestHub()
			s := session.New("s1", "test")
			_ = h.Accept(s)

			res := h.Authenticate(context.Background(), s, auth.Credential{Header: "tok-" + identity})
			if !errors.Is(res.Err, auth.ErrInvalidToken) {
				t.Errorf("Err = %v, want ErrInvalidToken", res.Err)
			}
			if res.State != session.Anonymous || res.Identity != "anonymous:s1" {
				t.Errorf("result = %+v", res)
			}
			if h.IsOnline(identity) {
				t.Errorf("%q should not be online", identity)
			}
		})
	}
}

func TestHandshakeWithoutVerifier(t *testing.T) {
	tests := []struct {
		name    string
		cred    auth.Credential
		wantErr error
		outcome string
	}{
		{"no credential", auth.Credential{}, auth.ErrMissingToken, "missing"},
		{"blank header", auth.Credential{Header: "  "}, auth.ErrMissingToken, "missing"},
		{"token", auth.Credential{Query: "tok-u1"}, auth.ErrInvalidToken, "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			h := NewHub(nil, WithLogger(log.New(io.Discard)), WithMetrics(metrics.New(reg)))
			s := session.New("s1", "test")
			_ = h.Accept(s)

			res := h.Authenticate(context.Background(), s, tt.cred)
			if !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", res.Err, tt.wantErr)
			}
			if res.State != session.Anonymous {
				t.Errorf("state = %s, want anonymous", res.State)
			}

			want := fmt.Sprintf(`
# HELP taskpulse_auth_total Handshake authentication outcomes
# TYPE taskpulse_auth_total counter
taskpulse_auth_total{outcome=%q} 1
`, tt.outcome)
			if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "taskpulse_auth_total"); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestHandshakeAfterDisconnect(t *testing.T) {
	h := newTestHub()
	s := session.New("s1", "test")
	_ = h.Accept(s)
	h.Disconnect(s, "gone")

	res := h.Authenticate(context.Background(), s, auth.Credential{Header: "tok-u1"})
	if !errors.Is(res.Err, session.ErrInvalidTransition) {
		t.Fatalf("Err = %v, want ErrInvalidTransition", res.Err)
	}
	if h.IsOnline("u1") || h.SessionCount() != 0 {
		t.Error("closed session left state behind")
	}
}

func TestSendToIdentityReachesEveryDevice(t *testing.T) {
	h := newTestHub()
	phone := connect(t, h, "phone", "tok-u1")
	laptop := connect(t, h, "laptop", "tok-u1")
	other := connect(t, h, "other", "tok-u2")

	n := h.SendToIdentity("u1", EventNotification, Notification{Title: "hi"})
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	for _, s := range []*session.Session{phone, laptop} {
		if got := len(drain(s)); got != 1 {
			t.Errorf("%s got %d frames, want 1", s.ID(), got)
		}
	}
	if got := len(drain(other)); got != 0 {
		t.Errorf("u2 got %d frames, want 0", got)
	}
}

func TestSendToIdentityOffline(t *testing.T) {
	h := newTestHub()
	if n := h.SendToIdentity("nobody", EventNotification, Notification{}); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
}

func TestSendToIdentitiesDedupes(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "a", "tok-u1")
	b := connect(t, h, "b", "tok-u2")

	n := h.SendToIdentities([]string{"u1", "u1", "u2", "ghost"}, EventNotification, Notification{})
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if len(drain(a)) != 1 || len(drain(b)) != 1 {
		t.Error("each identity should receive exactly one frame")
	}
}

func TestSendToRoomMembersOnly(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "a", "tok-u1")
	b := connect(t, h, "b", "tok-u2")
	c := connect(t, h, "c", "tok-u3")

	for _, s := range []*session.Session{a, b} {
		if err := h.JoinRoom(s, "project:7"); err != nil {
			t.Fatalf("JoinRoom: %v", err)
		}
	}

	n := h.SendToRoom("project:7", EventProjectUpdate, map[string]string{"status": "done"})
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if len(drain(a)) != 1 || len(drain(b)) != 1 {
		t.Error("members should receive the update")
	}
	if got := len(drain(c)); got != 0 {
		t.Errorf("non-member got %d frames", got)
	}
	if n := h.SendToRoom("project:404", EventProjectUpdate, nil); n != 0 {
		t.Errorf("empty room delivered %d", n)
	}
}

func TestJoinRoomRejectsUserRooms(t *testing.T) {
	h := newTestHub()
	s := connect(t, h, "s", "tok-u1")

	if err := h.JoinRoom(s, "user:u2"); !errors.Is(err, room.ErrReservedRoom) {
		t.Errorf("join user:u2 = %v, want ErrReservedRoom", err)
	}
	if err := h.JoinRoom(s, "project:"); !errors.Is(err, room.ErrMalformedName) {
		t.Errorf("join project: = %v, want ErrMalformedName", err)
	}
	if got := h.RoomsOf(s); !reflect.DeepEqual(got, []string{"user:u1"}) {
		t.Errorf("rooms = %v", got)
	}
}

func TestBroadcastSkipsConnecting(t *testing.T) {
	h := newTestHub()
	authed := connect(t, h, "a", "tok-u1")
	anon := connect(t, h, "b", "")
	pending := session.New("c", "test")
	_ = h.Accept(pending)

	if n := h.Broadcast(EventBroadcast, map[string]string{"msg": "maintenance"}); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if len(drain(authed)) != 1 || len(drain(anon)) != 1 {
		t.Error("authenticated and anonymous sessions should receive broadcasts")
	}
	if got := len(drain(pending)); got != 0 {
		t.Errorf("connecting session got %d frames", got)
	}
}

func TestAnonymousAddressable(t *testing.T) {
	h := newTestHub()
	anon := connect(t, h, "s9", "")

	if h.IsOnline("s9") {
		t.Error("raw session id should not be an identity")
	}
	if n := h.SendToIdentity("anonymous:s9", EventNotification, Notification{}); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if len(drain(anon)) != 1 {
		t.Error("anonymous session should be addressable by its synthetic identity")
	}
}

func TestDispatchSharesTimestampAndID(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newTestHub(WithClock(func() time.Time { return fixed }), withIDs(func() string { return "n-1" }))

	var sessions []*session.Session
	for i := 0; i < 3; i++ {
		s := connect(t, h, fmt.Sprintf("s%d", i), fmt.Sprintf("tok-u%d", i))
		if err := h.JoinRoom(s, "task:42"); err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, s)
	}

	if n := h.SendToRoom("task:42", EventNotification, Notification{Type: "comment_added", Title: "New comment"}); n != 3 {
		t.Fatalf("delivered = %d, want 3", n)
	}

	var first []byte
	for _, s := range sessions {
		got := drain(s)
		if len(got) != 1 {
			t.Fatalf("%s got %d frames", s.ID(), len(got))
		}
		if first == nil {
			first = got[0]
		} else if !bytes.Equal(first, got[0]) {
			t.Errorf("frames differ:\n%s\n%s", first, got[0])
		}
	}

	f := decodeFrames(t, [][]byte{first})[0]
	var n Notification
	if err := json.Unmarshal(f.Payload, &n); err != nil {
		t.Fatal(err)
	}
	if !f.Timestamp.Equal(fixed) || !n.CreatedAt.Equal(fixed) || n.ID != "n-1" {
		t.Errorf("frame = %+v, notification = %+v", f, n)
	}
}

func TestDispatchDoesNotMutateCallerPayload(t *testing.T) {
	h := newTestHub()
	connect(t, h, "s", "tok-u1")

	n := &Notification{Title: "x"}
	h.SendToIdentity("u1", EventNotification, n)
	if n.ID != "" || !n.CreatedAt.IsZero() {
		t.Errorf("caller payload mutated: %+v", n)
	}
}

func TestOverflowDisconnects(t *testing.T) {
	h := newTestHub()
	s := connect(t, h, "slow", "tok-u1", session.WithQueueSize(1))
	fast := connect(t, h, "fast", "tok-u1")

	if n := h.SendToIdentity("u1", EventNotification, Notification{}); n != 2 {
		t.Fatalf("first send delivered %d, want 2", n)
	}
	if n := h.SendToIdentity("u1", EventNotification, Notification{}); n != 1 {
		t.Fatalf("second send delivered %d, want 1", n)
	}
	if s.State() != session.Closed {
		t.Errorf("slow session state = %v, want closed", s.State())
	}
	if fast.State() != session.Authenticated {
		t.Errorf("fast session state = %v", fast.State())
	}
	if got := h.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
}

func TestOverflowDropOldest(t *testing.T) {
	h := newTestHub()
	s := connect(t, h, "s", "tok-u1",
		session.WithQueueSize(2),
		session.WithOverflowPolicy(session.DropOldest))

	for i := 0; i < 3; i++ {
		if n := h.SendToIdentity("u1", EventTaskUpdate, map[string]int{"seq": i}); n != 1 {
			t.Fatalf("send %d delivered %d", i, n)
		}
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", s.Dropped())
	}

	var seqs []int
	for _, f := range decodeFrames(t, drain(s)) {
		var p map[string]int
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, p["seq"])
	}
	if !reflect.DeepEqual(seqs, []int{1, 2}) {
		t.Errorf("seqs = %v, want [1 2]", seqs)
	}
}

func TestDisconnectPurges(t *testing.T) {
	h := newTestHub()
	s := connect(t, h, "s", "tok-u1")
	if err := h.JoinRoom(s, "project:1"); err != nil {
		t.Fatal(err)
	}

	h.Disconnect(s, "bye")
	h.Disconnect(s, "again")

	if h.IsOnline("u1") {
		t.Error("u1 still online")
	}
	if n := h.SendToRoom("project:1", EventProjectUpdate, nil); n != 0 {
		t.Errorf("room delivered %d after disconnect", n)
	}
	if st := h.Status(); st.TotalRooms != 0 || st.TotalSessions != 0 {
		t.Errorf("status = %+v", st)
	}
	if err := h.JoinRoom(s, "project:1"); !errors.Is(err, session.ErrClosed) {
		t.Errorf("join after close = %v, want ErrClosed", err)
	}
}

func TestJoinIdentity(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "a", "tok-u1")
	b := connect(t, h, "b", "tok-u1")

	n, err := h.JoinIdentity("u1", "project:9")
	if err != nil || n != 2 {
		t.Fatalf("JoinIdentity = %d, %v", n, err)
	}
	if n, _ := h.JoinIdentity("u1", "project:9"); n != 0 {
		t.Errorf("repeat join changed %d sessions", n)
	}
	if got := h.SendToRoom("project:9", EventProjectUpdate, nil); got != 2 {
		t.Errorf("room delivered %d, want 2", got)
	}
	drain(a)
	drain(b)

	if n, err := h.LeaveIdentity("u1", "project:9"); err != nil || n != 2 {
		t.Fatalf("LeaveIdentity = %d, %v", n, err)
	}
	if _, err := h.JoinIdentity("u1", "nope"); !errors.Is(err, room.ErrMalformedName) {
		t.Errorf("malformed join = %v", err)
	}
}

func TestDisconnectIdentity(t *testing.T) {
	h := newTestHub()
	connect(t, h, "a", "tok-u1")
	connect(t, h, "b", "tok-u1")
	keep := connect(t, h, "c", "tok-u2")

	if n := h.DisconnectIdentity("u1"); n != 2 {
		t.Fatalf("DisconnectIdentity = %d, want 2", n)
	}
	if got := h.ListOnlineIdentities(); !reflect.DeepEqual(got, []string{"u2"}) {
		t.Errorf("online = %v, want [u2]", got)
	}
	if keep.State() != session.Authenticated {
		t.Error("unrelated session closed")
	}
}

func TestMaxSessions(t *testing.T) {
	h := newTestHub(WithMaxSessions(1))
	connect(t, h, "a", "tok-u1")

	if !h.Full() {
		t.Error("hub should be full")
	}
	if err := h.Accept(session.New("b", "test")); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("Accept = %v, want ErrTooManySessions", err)
	}
}

func TestStatus(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "a", "tok-u1")
	connect(t, h, "b", "tok-u2")
	connect(t, h, "c", "")
	_ = h.Accept(session.New("d", "test"))
	if err := h.JoinRoom(a, "project:1"); err != nil {
		t.Fatal(err)
	}

	st := h.Status()
	if st.TotalSessions != 4 || st.ConnectingSessions != 1 || st.AuthenticatedSessions != 2 || st.AnonymousSessions != 1 {
		t.Errorf("session counts = %+v", st)
	}
	if st.OnlineIdentities != 2 {
		t.Errorf("OnlineIdentities = %d, want 2", st.OnlineIdentities)
	}
	want := map[string]int{"user:u1": 1, "user:u2": 1, "project:1": 1}
	if st.TotalRooms != 3 || !reflect.DeepEqual(st.Rooms, want) {
		t.Errorf("rooms = %d %v, want %v", st.TotalRooms, st.Rooms, want)
	}
	if st.Process == nil || st.Process.Goroutines == 0 {
		t.Errorf("process stats = %+v", st.Process)
	}
}

func TestShutdown(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, "a", "tok-u1")
	b := connect(t, h, "b", "")

	h.Shutdown()
	for _, s := range []*session.Session{a, b} {
		select {
		case <-s.Done():
		default:
			t.Errorf("%s not closed", s.ID())
		}
	}
	if h.SessionCount() != 0 {
		t.Errorf("SessionCount = %d after shutdown", h.SessionCount())
	}
}

func TestConcurrentDispatchAndDisconnect(t *testing.T) {
	h := newTestHub()
	const n = 40
	sessions := make([]*session.Session, n)
	for i := range sessions {
		s := session.New(fmt.Sprintf("s%d", i), "test", session.WithQueueSize(1024))
		_ = h.Accept(s)
		h.Authenticate(context.Background(), s, auth.Credential{Header: fmt.Sprintf("tok-u%d", i%5)})
		if err := h.JoinRoom(s, "project:1"); err != nil {
			t.Fatal(err)
		}
		sessions[i] = s
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.SendToRoom("project:1", EventProjectUpdate, nil)
				h.SendToIdentity(fmt.Sprintf("u%d", (w+i)%5), EventNotification, Notification{})
				h.Broadcast(EventBroadcast, nil)
			}
		}(w)
	}
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			h.Disconnect(s, "churn")
		}(s)
	}
	wg.Wait()

	if st := h.Status(); st.TotalSessions != 0 || st.TotalRooms != 0 || st.OnlineIdentities != 0 {
		t.Errorf("state left after churn: %+v", st)
	}
	if got := h.SendToRoom("project:1", EventProjectUpdate, nil); got != 0 {
		t.Errorf("room delivered %d after churn", got)
	}
}
