package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/timeutil"
)

// Fake is an in-memory DataAdapter test double. It holds pre-seeded bars,
// quotes, and ticks per (symbol, interval) and serves GetBars/GetQuotes/
// GetTicks by filtering the seeded slice to the requested range.
type Fake struct {
	mu sync.Mutex

	bars   map[string]map[timeutil.Interval][]sessiondata.Bar
	quotes map[string][]sessiondata.Quote
	ticks  map[string][]sessiondata.Tick

	availability map[string]Availability
	failSymbols  map[string]error
	stream       *fakeStream
}

// NewFake builds an empty fake adapter.
func NewFake() *Fake {
	return &Fake{
		bars:         make(map[string]map[timeutil.Interval][]sessiondata.Bar),
		quotes:       make(map[string][]sessiondata.Quote),
		ticks:        make(map[string][]sessiondata.Tick),
		availability: make(map[string]Availability),
		failSymbols:  make(map[string]error),
	}
}

// SeedBars loads bars for (symbol, interval), sorted ascending by timestamp.
func (f *Fake) SeedBars(symbol string, interval timeutil.Interval, bars []sessiondata.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sorted := append([]sessiondata.Bar(nil), bars...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	if f.bars[symbol] == nil {
		f.bars[symbol] = make(map[timeutil.Interval][]sessiondata.Bar)
	}
	f.bars[symbol][interval] = sorted
}

// SeedAvailability sets the availability response for a symbol.
func (f *Fake) SeedAvailability(symbol string, a Availability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availability[symbol] = a
}

// FailSymbol makes GetBars, Refetch and CheckAvailability for symbol return
// err, simulating an unrecoverable per-symbol adapter failure (§4.5
// "Failures"). Quotes, ticks and the live stream are unaffected.
func (f *Fake) FailSymbol(symbol string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSymbols[symbol] = err
}

func (f *Fake) GetBars(ctx context.Context, symbol string, interval timeutil.Interval, start, end time.Time) ([]sessiondata.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failSymbols[symbol]; ok {
		return nil, err
	}
	var out []sessiondata.Bar
	for _, b := range f.bars[symbol][interval] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *Fake) GetQuotes(ctx context.Context, symbol string, start, end time.Time) ([]sessiondata.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sessiondata.Quote
	for _, q := range f.quotes[symbol] {
		if !q.Timestamp.Before(start) && !q.Timestamp.After(end) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *Fake) GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]sessiondata.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sessiondata.Tick
	for _, tk := range f.ticks[symbol] {
		if !tk.Timestamp.Before(start) && !tk.Timestamp.After(end) {
			out = append(out, tk)
		}
	}
	return out, nil
}

func (f *Fake) CheckAvailability(ctx context.Context, symbol string) (Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failSymbols[symbol]; ok {
		return Availability{}, err
	}
	return f.availability[symbol], nil
}

func (f *Fake) OpenLiveStream(ctx context.Context, symbols []string, baseInterval timeutil.Interval) (LiveStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream = newFakeStream()
	return f.stream, nil
}

// PushLive delivers one bar on the currently open fake live stream, if any,
// reporting whether a stream was open to receive it.
func (f *Fake) PushLive(symbol string, interval timeutil.Interval, b sessiondata.Bar) bool {
	f.mu.Lock()
	s := f.stream
	f.mu.Unlock()
	if s == nil {
		return false
	}
	s.push(LiveBar{Symbol: symbol, Interval: interval, Bar: b})
	return true
}

func (f *Fake) Refetch(ctx context.Context, symbol string, interval timeutil.Interval, missing sessiondata.TimeRange) ([]sessiondata.Bar, error) {
	return f.GetBars(ctx, symbol, interval, missing.Start, missing.End)
}

func (f *Fake) Health(ctx context.Context) Health {
	return Health{Venue: "fake", Status: "healthy", LastSeen: time.Now(), RESTHealthy: true}
}

// fakeStream is a loopback LiveStream: a real gorilla/websocket connection
// over an in-process httptest server, the same client/server split a
// venue's own WebSocketClient (§6.1 "venue adapter, out of scope") would
// use, just pointed at localhost. push() writes a JSON-framed LiveBar on
// the server side; a reader goroutine on the client side decodes it back
// into the Bars() channel, so the fake exercises the real wire framing
// instead of just handing the struct across a Go channel.
type fakeStream struct {
	server *httptest.Server
	conn   *websocket.Conn

	bars   chan LiveBar
	errCh  chan error
	closed chan struct{}
	once   sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func newFakeStream() *fakeStream {
	s := &fakeStream{
		bars:   make(chan LiveBar, 64),
		errCh:  make(chan error, 1),
		closed: make(chan struct{}),
	}

	serverConnCh := make(chan *websocket.Conn, 1)
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		s.errCh <- err
		close(s.errCh)
		close(s.bars)
		s.server.Close()
		return s
	}
	s.conn = <-serverConnCh

	go s.readLoop(clientConn)

	return s
}

// readLoop runs on the client side of the loopback connection, decoding
// each JSON-framed LiveBar pushed by push() and forwarding it to Bars().
// When the connection ends it closes Bars and sends the terminal error (nil
// after Close) on Err exactly once.
func (s *fakeStream) readLoop(clientConn *websocket.Conn) {
	var termErr error
	defer func() {
		clientConn.Close()
		close(s.bars)
		s.errCh <- termErr
	}()
	for {
		_, data, err := clientConn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				termErr = err
			}
			return
		}
		var b LiveBar
		if err := json.Unmarshal(data, &b); err != nil {
			continue
		}
		select {
		case <-s.closed:
			return
		case s.bars <- b:
		}
	}
}

func (s *fakeStream) Bars() <-chan LiveBar { return s.bars }
func (s *fakeStream) Err() <-chan error    { return s.errCh }

// push writes b as a JSON text frame on the server side of the loopback
// websocket connection.
func (s *fakeStream) push(b LiveBar) {
	if s.conn == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if s.server != nil {
			s.server.Close()
		}
	})
	return nil
}
