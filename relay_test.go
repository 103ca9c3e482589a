package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

var testCreds = Credentials{Username: "technician", Password: "s3cret"}

type testRelay struct {
	*Relay
	srv   *httptest.Server
	wsURL string
}

func newTestRelay(t *testing.T, mutate func(*Config)) *testRelay {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Producer.Password = testCreds.Password
	cfg.Producer.AuthBurst = 100
	cfg.Producer.AuthRate = 100
	cfg.Transform.Routes = []RouteConfig{{Channel: "de"}, {Channel: "en"}, {Channel: "ru"}}
	if mutate != nil {
		mutate(&cfg)
	}

	rl, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rl.Run(ctx)

	srv := httptest.NewServer(withPeerHeader(rl.Handler()))
	t.Cleanup(srv.Close)
	return &testRelay{Relay: rl, srv: srv, wsURL: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

// peerHeader lets a test pose as another remote address.
const peerHeader = "X-Test-Peer"

func withPeerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if peer := r.Header.Get(peerHeader); peer != "" {
			r.RemoteAddr = peer
		}
		next.ServeHTTP(w, r)
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (tr *testRelay) dialProducer(t *testing.T, protocols []string) *websocket.Conn {
	t.Helper()
	return tr.dialProducerFrom(t, "", protocols)
}

func (tr *testRelay) dialProducerFrom(t *testing.T, peer string, protocols []string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if peer != "" {
		header.Set(peerHeader, peer)
	}
	c, _, err := websocket.Dial(testContext(t), tr.wsURL+"/ws/technician", &websocket.DialOptions{
		Subprotocols: protocols,
		HTTPHeader:   header,
	})
	if err != nil {
		t.Fatalf("dial producer: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func (tr *testRelay) dialListener(t *testing.T, channel string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(testContext(t), tr.wsURL+"/ws/stream/"+channel, nil)
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func (tr *testRelay) waitListeners(t *testing.T, ch Channel, n int) {
	t.Helper()
	waitFor(t, "listeners on "+ch.String(), func() bool {
		return tr.Registry().Counts()[ch] == n
	})
}

func readChunk(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	typ, data, err := c.Read(testContext(t))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("message type = %v, want binary", typ)
	}
	return string(data)
}

func expectClose(t *testing.T, c *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	_, _, err := c.Read(testContext(t))
	if got := websocket.CloseStatus(err); got != want {
		t.Fatalf("close status = %v (err %v), want %v", got, err, want)
	}
}

func TestRelay_EndToEnd(t *testing.T) {
	tr := newTestRelay(t, nil)
	ctx := testContext(t)

	early := tr.dialListener(t, "en")
	tr.waitListeners(t, "en", 1)

	producer := tr.dialProducer(t, ProducerProtocols(testCreds))
	if producer.Subprotocol() != Protocol {
		t.Fatalf("negotiated %q, want %q", producer.Subprotocol(), Protocol)
	}
	waitFor(t, "producer streaming", func() bool {
		p := tr.Slot().Holder()
		return p != nil && p.State() == Streaming
	})

	if err := producer.Write(ctx, websocket.MessageBinary, []byte("A")); err != nil {
		t.Fatal(err)
	}
	if got := readChunk(t, early); got != "A" {
		t.Fatalf("early listener got %q, want A", got)
	}

	late := tr.dialListener(t, "en")
	tr.waitListeners(t, "en", 2)
	if err := producer.Write(ctx, websocket.MessageBinary, []byte("B")); err != nil {
		t.Fatal(err)
	}
	if got := readChunk(t, late); got != "B" {
		t.Fatalf("late listener got %q first, want B", got)
	}
	if got := readChunk(t, early); got != "B" {
		t.Fatalf("early listener got %q, want B", got)
	}
}

func TestRelay_ChunkOrder(t *testing.T) {
	tr := newTestRelay(t, nil)
	ctx := testContext(t)

	listeners := map[string]*websocket.Conn{}
	for _, ch := range []string{"de", "en", "ru"} {
		listeners[ch] = tr.dialListener(t, ch)
		tr.waitListeners(t, Channel(ch), 1)
	}
	producer := tr.dialProducer(t, ProducerProtocols(testCreds))
	waitFor(t, "producer", func() bool { return tr.Slot().Holder() != nil })

	const n = 20
	for i := range n {
		if err := producer.Write(ctx, websocket.MessageBinary, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	for ch, c := range listeners {
		for i := range n {
			if got := readChunk(t, c); got != string([]byte{byte(i)}) {
				t.Fatalf("%s chunk %d = %v", ch, i, []byte(got))
			}
		}
	}
}

func TestRelay_InvalidChannel(t *testing.T) {
	tr := newTestRelay(t, nil)

	bad := tr.dialListener(t, "fr")
	expectClose(t, bad, websocket.StatusPolicyViolation)
	for ch, n := range tr.Registry().Counts() {
		if n != 0 {
			t.Fatalf("channel %s has %d members after a refused listener", ch, n)
		}
	}

	tr.dialListener(t, "en")
	tr.waitListeners(t, "en", 1)
}

func TestRelay_ProducerAuth(t *testing.T) {
	tr := newTestRelay(t, nil)

	tests := []struct {
		name      string
		protocols []string
	}{
		{name: "wrong password", protocols: ProducerProtocols(Credentials{Username: "technician", Password: "nope"})},
		{name: "wrong user", protocols: ProducerProtocols(Credentials{Username: "guest", Password: testCreds.Password})},
		{name: "no credentials", protocols: []string{Protocol}},
		{name: "no protocols", protocols: nil},
		{name: "garbage token", protocols: []string{Protocol, AuthProtocolPrefix + "!!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tr.dialProducer(t, tt.protocols)
			expectClose(t, c, websocket.StatusPolicyViolation)
			if tr.Slot().Holder() != nil {
				t.Fatal("rejected producer holds the slot")
			}
		})
	}

	tr.dialProducer(t, ProducerProtocols(testCreds))
	waitFor(t, "producer after rejections", func() bool { return tr.Slot().Holder() != nil })
}

func TestRelay_SecondProducerRefused(t *testing.T) {
	tr := newTestRelay(t, nil)
	ctx := testContext(t)

	listener := tr.dialListener(t, "ru")
	tr.waitListeners(t, "ru", 1)

	first := tr.dialProducer(t, ProducerProtocols(testCreds))
	waitFor(t, "first producer", func() bool { return tr.Slot().Holder() != nil })
	holder := tr.Slot().Holder()

	second := tr.dialProducer(t, ProducerProtocols(testCreds))
	expectClose(t, second, websocket.StatusTryAgainLater)
	if tr.Slot().Holder() != holder || holder.State() != Streaming {
		t.Fatal("second producer disturbed the first")
	}

	if err := first.Write(ctx, websocket.MessageBinary, []byte("still here")); err != nil {
		t.Fatal(err)
	}
	if got := readChunk(t, listener); got != "still here" {
		t.Fatalf("listener got %q", got)
	}

	first.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "slot release", func() bool { return tr.Slot().Holder() == nil })
	if holder.State() != Closed {
		t.Fatalf("first producer state = %s, want closed", holder.State())
	}

	tr.dialProducer(t, ProducerProtocols(testCreds))
	waitFor(t, "reconnected producer", func() bool { return tr.Slot().Holder() != nil })
}

func TestRelay_ProducerDisconnectKeepsInFlightChunks(t *testing.T) {
	tr := newTestRelay(t, func(cfg *Config) {
		cfg.Transform.Routes = []RouteConfig{{Channel: "en", Delay: Duration(200 * time.Millisecond)}}
	})
	ctx := testContext(t)

	listener := tr.dialListener(t, "en")
	tr.waitListeners(t, "en", 1)

	producer := tr.dialProducer(t, ProducerProtocols(testCreds))
	waitFor(t, "producer", func() bool { return tr.Slot().Holder() != nil })
	if err := producer.Write(ctx, websocket.MessageBinary, []byte("late")); err != nil {
		t.Fatal(err)
	}
	producer.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "slot release", func() bool { return tr.Slot().Holder() == nil })

	if got := readChunk(t, listener); got != "late" {
		t.Fatalf("listener got %q, want late", got)
	}
}

func TestRelay_ProducerTextFrame(t *testing.T) {
	tr := newTestRelay(t, nil)
	producer := tr.dialProducer(t, ProducerProtocols(testCreds))
	if err := producer.Write(testContext(t), websocket.MessageText, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	expectClose(t, producer, websocket.StatusUnsupportedData)
	waitFor(t, "slot release", func() bool { return tr.Slot().Holder() == nil })
}

func TestRelay_ProducerChunkTooLarge(t *testing.T) {
	tr := newTestRelay(t, func(cfg *Config) { cfg.Producer.MaxChunkBytes = 8 })
	producer := tr.dialProducer(t, ProducerProtocols(testCreds))
	if err := producer.Write(testContext(t), websocket.MessageBinary, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	expectClose(t, producer, websocket.StatusMessageTooBig)
}

func TestRelay_HandshakeThrottled(t *testing.T) {
	tr := newTestRelay(t, func(cfg *Config) {
		cfg.Producer.AuthRate = 0.001
		cfg.Producer.AuthBurst = 1
	})

	bad := tr.dialProducer(t, ProducerProtocols(Credentials{Username: "technician", Password: "guess"}))
	expectClose(t, bad, websocket.StatusPolicyViolation)

	again := tr.dialProducer(t, ProducerProtocols(testCreds))
	expectClose(t, again, websocket.StatusTryAgainLater)
}

func TestRelay_FailedHandshakesDoNotLockOutOtherHosts(t *testing.T) {
	defaults := DefaultConfig().Producer
	tr := newTestRelay(t, func(cfg *Config) {
		cfg.Producer.AuthRate = defaults.AuthRate
		cfg.Producer.AuthBurst = defaults.AuthBurst
	})

	guess := ProducerProtocols(Credentials{Username: "technician", Password: "guess"})
	for range defaults.AuthBurst {
		bad := tr.dialProducerFrom(t, "203.0.113.7:40000", guess)
		expectClose(t, bad, websocket.StatusPolicyViolation)
	}
	throttled := tr.dialProducerFrom(t, "203.0.113.7:40001", guess)
	expectClose(t, throttled, websocket.StatusTryAgainLater)

	tr.dialProducer(t, ProducerProtocols(testCreds))
	waitFor(t, "producer streaming", func() bool {
		p := tr.Slot().Holder()
		return p != nil && p.State() == Streaming
	})
}

func TestRelay_ProducerReconnectsNotThrottled(t *testing.T) {
	defaults := DefaultConfig().Producer
	tr := newTestRelay(t, func(cfg *Config) {
		cfg.Producer.AuthRate = defaults.AuthRate
		cfg.Producer.AuthBurst = defaults.AuthBurst
	})

	for range defaults.AuthBurst * 2 {
		producer := tr.dialProducer(t, ProducerProtocols(testCreds))
		waitFor(t, "producer streaming", func() bool {
			p := tr.Slot().Holder()
			return p != nil && p.State() == Streaming
		})
		producer.Close(websocket.StatusNormalClosure, "")
		waitFor(t, "slot release", func() bool { return tr.Slot().Holder() == nil })
	}
}

func TestRelay_ListenerDataFrameEndsConnection(t *testing.T) {
	tr := newTestRelay(t, nil)
	listener := tr.dialListener(t, "de")
	tr.waitListeners(t, "de", 1)

	if err := listener.Write(testContext(t), websocket.MessageText, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	expectClose(t, listener, websocket.StatusPolicyViolation)
	tr.waitListeners(t, "de", 0)
}

func TestRelay_ListenerDisconnect(t *testing.T) {
	tr := newTestRelay(t, nil)
	ctx := testContext(t)

	gone := tr.dialListener(t, "en")
	stays := tr.dialListener(t, "en")
	tr.waitListeners(t, "en", 2)
	gone.Close(websocket.StatusNormalClosure, "")
	tr.waitListeners(t, "en", 1)

	producer := tr.dialProducer(t, ProducerProtocols(testCreds))
	waitFor(t, "producer", func() bool { return tr.Slot().Holder() != nil })
	if err := producer.Write(ctx, websocket.MessageBinary, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if got := readChunk(t, stays); got != "x" {
		t.Fatalf("remaining listener got %q", got)
	}
}

func TestRelay_TechnicianPage(t *testing.T) {
	tr := newTestRelay(t, nil)

	get := func(creds *Credentials) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, tr.srv.URL+"/technician", nil)
		if err != nil {
			t.Fatal(err)
		}
		if creds != nil {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	missing := get(nil)
	wrong := get(&Credentials{Username: "technician", Password: "nope"})
	for _, resp := range []*http.Response{missing, wrong} {
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		if !strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Basic") {
			t.Fatalf("WWW-Authenticate = %q", resp.Header.Get("WWW-Authenticate"))
		}
	}
	missingBody, _ := io.ReadAll(missing.Body)
	wrongBody, _ := io.ReadAll(wrong.Body)
	if string(missingBody) != string(wrongBody) {
		t.Fatalf("missing and wrong credentials differ: %q vs %q", missingBody, wrongBody)
	}

	ok := get(&testCreds)
	body, _ := io.ReadAll(ok.Body)
	if ok.StatusCode != http.StatusOK || !strings.Contains(string(body), "Technician") {
		t.Fatalf("status = %d body = %.60q", ok.StatusCode, body)
	}
}

func TestRelay_PublicPages(t *testing.T) {
	tr := newTestRelay(t, nil)
	for path, want := range map[string]string{
		"/":                "Live interpretation",
		"/static/relay.js": "relay.auth.v1.",
	} {
		resp, err := http.Get(tr.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), want) {
			t.Fatalf("GET %s: status %d, body missing %q", path, resp.StatusCode, want)
		}
	}
}

func TestRelay_Status(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.dialListener(t, "ru")
	tr.waitListeners(t, "ru", 1)
	tr.dialProducer(t, ProducerProtocols(testCreds))
	waitFor(t, "producer", func() bool { return tr.Slot().Holder() != nil })

	anon, err := http.Get(tr.srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	anon.Body.Close()
	if anon.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", anon.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, tr.srv.URL+"/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.SetBasicAuth(testCreds.Username, testCreds.Password)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Producer || st.Subscribers["ru"] != 1 || st.Subscribers["en"] != 0 {
		t.Fatalf("status = %+v", st)
	}
}
