package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"mbean-remoting/codec"
	"mbean-remoting/mbean"
	"mbean-remoting/message"
	"mbean-remoting/opcode"
	"mbean-remoting/rpcerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testRegistry = func() *opcode.Registry {
	r, err := mbean.NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}()

// fakeChannel records outbound frames and lets a test play the server.
type fakeChannel struct {
	sent chan []byte
	dead chan struct{}
	once sync.Once
	err  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		sent: make(chan []byte, 256),
		dead: make(chan struct{}),
	}
}

func (f *fakeChannel) Send(frame []byte) error {
	select {
	case <-f.dead:
		return errors.Annotate(rpcerr.ChannelClosed, "fake")
	default:
	}
	f.sent <- frame
	return nil
}

func (f *fakeChannel) Dead() <-chan struct{} { return f.dead }
func (f *fakeChannel) Err() error            { return f.err }
func (f *fakeChannel) Close() error          { f.kill(nil); return nil }

func (f *fakeChannel) kill(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.dead)
	})
}

func newClient(t *testing.T, opts ...Option) (*Client, *fakeChannel) {
	t.Helper()
	c, err := New(testRegistry, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ch := newFakeChannel()
	if err := c.Attach(ch); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, ch
}

func nextRequest(t *testing.T, ch *fakeChannel) (*message.Frame, []any) {
	t.Helper()
	select {
	case data := <-ch.sent:
		f, err := message.Unmarshal(data)
		if err != nil {
			t.Fatalf("client sent an invalid frame: %v", err)
		}
		if f.Kind != message.KindRequest {
			t.Fatalf("expect a request, got %v", f.Kind)
		}
		args, err := codec.GetCodec(codec.CodecTypeBinary).Decode(f.Payload)
		if err != nil {
			t.Fatalf("undecodable request payload: %v", err)
		}
		return f, args
	case <-time.After(time.Second):
		t.Fatal("no request sent")
	}
	return nil, nil
}

func reply(t *testing.T, c *Client, req *message.Frame, values ...any) {
	t.Helper()
	payload, err := codec.GetCodec(codec.CodecTypeBinary).Encode(values...)
	if err != nil {
		t.Fatal(err)
	}
	f := message.Frame{Kind: message.KindResponse, CorrelationID: req.CorrelationID, Opcode: req.Opcode, Payload: payload}
	data, err := f.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(codec.CodecTypeBinary, data)
}

func notify(t *testing.T, c *Client, id int32, values ...any) {
	t.Helper()
	payload, err := codec.GetCodec(codec.CodecTypeBinary).Encode(values...)
	if err != nil {
		t.Fatal(err)
	}
	f := message.Frame{Kind: message.KindNotification, CorrelationID: id, Payload: payload}
	data, err := f.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(codec.CodecTypeBinary, data)
}

type result struct {
	value any
	err   error
}

func callAsync(c *Client, ctx context.Context, op string, args ...any) <-chan result {
	out := make(chan result, 1)
	go func() {
		v, err := c.Call(ctx, op, args...)
		out <- result{v, err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
	}
	return result{}
}

func TestCallRoundTrip(t *testing.T) {
	c, ch := newClient(t, WithRouting("cache"))

	res := callAsync(c, context.Background(), "GetMBeanCount")
	req, args := nextRequest(t, ch)
	code, _ := testRegistry.OpcodeOf("GetMBeanCount")
	if req.Opcode != code || req.Routing != "cache" || len(args) != 0 {
		t.Fatalf("unexpected request %+v %v", req, args)
	}
	reply(t, c, req, int32(5))

	r := wait(t, res)
	if r.err != nil || r.value != int32(5) {
		t.Fatalf("Call = %v, %v", r.value, r.err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expect no pending request, got %d", c.Pending())
	}
}

func TestTypedWrappers(t *testing.T) {
	c, ch := newClient(t)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		errs <- func() error {
			names, err := c.QueryNames(ctx, "*:*")
			if err != nil || len(names) != 2 || names[1] != "b:type=y" {
				return errors.Errorf("QueryNames = %v, %v", names, err)
			}
			ok, err := c.IsRegistered(ctx, "a:type=x")
			if err != nil || !ok {
				return errors.Errorf("IsRegistered = %v, %v", ok, err)
			}
			return c.SetAttribute(ctx, "a:type=x", mbean.Attribute{Name: "Size", Value: 3})
		}()
	}()

	req, _ := nextRequest(t, ch)
	reply(t, c, req, []mbean.ObjectName{"a:type=x", "b:type=y"})
	req, _ = nextRequest(t, ch)
	reply(t, c, req, true)
	req, args := nextRequest(t, ch)
	if args[0] != mbean.ObjectName("a:type=x") || args[1] != (mbean.Attribute{Name: "Size", Value: 3}) {
		t.Errorf("unexpected SetAttribute args %v", args)
	}
	reply(t, c, req)

	if err := <-errs; err != nil {
		t.Fatal(err)
	}
}

// Scenario A: no response within the bound.
func TestSyncTimeout(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	metrics := NewCollector()
	c, ch := newClient(t, WithClock(clk), WithTimeout(50*time.Millisecond), WithMetrics(metrics))

	res := callAsync(c, context.Background(), "GetDefaultDomain")
	req, _ := nextRequest(t, ch)

	if err := clk.WaitAdvance(49*time.Millisecond, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-res:
		t.Fatalf("call returned before the timeout: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Millisecond)
	r := wait(t, res)
	if !errors.Is(r.err, rpcerr.Timeout) {
		t.Fatalf("expect timeout, got %v", r.err)
	}
	if c.Pending() != 0 {
		t.Fatal("timed out entry must be removed")
	}

	// A response arriving after the timeout is discarded.
	reply(t, c, req, "late")
	if got := testutil.ToFloat64(metrics.orphaned); got != 1 {
		t.Fatalf("expect one orphaned response, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.completions.WithLabelValues("sync", outcomeTimeout)); got != 1 {
		t.Fatalf("expect one timeout, got %v", got)
	}
}

func TestSyncTimeoutWallClock(t *testing.T) {
	c, ch := newClient(t, WithTimeout(50*time.Millisecond))

	start := time.Now()
	res := callAsync(c, context.Background(), "GetMBeanCount")
	nextRequest(t, ch)
	r := wait(t, res)
	elapsed := time.Since(start)

	if !errors.Is(r.err, rpcerr.Timeout) {
		t.Fatalf("expect timeout, got %v", r.err)
	}
	if elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timed out after %v", elapsed)
	}
}

func TestContextDeadlineBoundsCall(t *testing.T) {
	c, ch := newClient(t, WithTimeout(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := callAsync(c, ctx, "GetMBeanCount")
	nextRequest(t, ch)
	if r := wait(t, res); !errors.Is(r.err, rpcerr.Timeout) {
		t.Fatalf("expect timeout, got %v", r.err)
	}
	if c.Pending() != 0 {
		t.Fatal("expect entry removed")
	}
}

func TestContextCancel(t *testing.T) {
	c, ch := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	res := callAsync(c, ctx, "GetMBeanCount")
	req, _ := nextRequest(t, ch)
	cancel()
	if r := wait(t, res); !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expect cancellation, got %v", r.err)
	}
	if c.Pending() != 0 {
		t.Fatal("expect entry removed")
	}
	// The id is not reused; a late reply is simply dropped.
	reply(t, c, req, int32(1))
}

// Scenario C: the server answers with a failure.
func TestRemoteError(t *testing.T) {
	c, ch := newClient(t)

	res := callAsync(c, context.Background(), "GetAttribute", mbean.ObjectName("a:type=x"), "Size")
	req, _ := nextRequest(t, ch)
	reply(t, c, req, &rpcerr.RemoteError{Message: "unknown opcode 200"})

	r := wait(t, res)
	re, ok := rpcerr.IsRemote(r.err)
	if !ok || re.Message != "unknown opcode 200" {
		t.Fatalf("expect remote error, got %v", r.err)
	}
}

// Scenario D: responses in reverse order reach the right callers.
func TestOutOfOrderResponses(t *testing.T) {
	c, ch := newClient(t)

	var g errgroup.Group
	for _, want := range []string{"first", "second"} {
		want := want
		g.Go(func() error {
			v, err := c.Call(context.Background(), "GetAttribute", mbean.ObjectName("a:type=x"), want)
			if err != nil {
				return err
			}
			if v != want {
				return errors.Errorf("asked for %s, got %v", want, v)
			}
			return nil
		})
	}

	req1, args1 := nextRequest(t, ch)
	req2, args2 := nextRequest(t, ch)
	reply(t, c, req2, args2[1])
	reply(t, c, req1, args1[1])

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestCorrelationIDsAreUnique(t *testing.T) {
	c, ch := newClient(t)
	const n = 100

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := c.Call(context.Background(), "GetMBeanCount")
			if err != nil {
				return err
			}
			if v.(int32) <= 0 {
				return errors.Errorf("unexpected value %v", v)
			}
			return nil
		})
	}

	reqs := make([]*message.Frame, 0, n)
	seen := map[int32]bool{}
	for i := 0; i < n; i++ {
		req, _ := nextRequest(t, ch)
		if seen[req.CorrelationID] {
			t.Fatalf("correlation id %d issued twice", req.CorrelationID)
		}
		seen[req.CorrelationID] = true
		reqs = append(reqs, req)
	}
	// Each caller gets its own id back as the value.
	for i := len(reqs) - 1; i >= 0; i-- {
		reply(t, c, reqs[i], reqs[i].CorrelationID)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestDuplicateResponseIsIgnored(t *testing.T) {
	c, ch := newClient(t)

	res := callAsync(c, context.Background(), "GetDefaultDomain")
	req, _ := nextRequest(t, ch)
	reply(t, c, req, "first")
	reply(t, c, req, "second")

	if r := wait(t, res); r.value != "first" {
		t.Fatalf("expect first response to win, got %v", r.value)
	}
}

func TestUndecodableFrameIsDropped(t *testing.T) {
	c, ch := newClient(t)

	res := callAsync(c, context.Background(), "GetDefaultDomain")
	req, _ := nextRequest(t, ch)
	c.HandleFrame(codec.CodecTypeBinary, []byte{0x01, 0x02})
	c.HandleFrame(codec.CodecTypeBinary, []byte{0x07})
	if c.Pending() != 1 {
		t.Fatal("garbage must not complete the request")
	}
	reply(t, c, req, "ok")
	if r := wait(t, res); r.value != "ok" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestUndecodablePayloadFailsRequest(t *testing.T) {
	c, ch := newClient(t)

	res := callAsync(c, context.Background(), "GetDefaultDomain")
	req, _ := nextRequest(t, ch)
	f := message.Frame{Kind: message.KindResponse, CorrelationID: req.CorrelationID, Opcode: req.Opcode, Payload: []byte{0xde, 0xad}}
	data, _ := f.Marshal()
	c.HandleFrame(codec.CodecTypeBinary, data)

	if r := wait(t, res); !errors.Is(r.err, rpcerr.Decode) {
		t.Fatalf("expect decode error, got %v", r.err)
	}
}

func TestCloseFailsPendingAndFutureCalls(t *testing.T) {
	c, ch := newClient(t)

	res := callAsync(c, context.Background(), "GetMBeanCount")
	nextRequest(t, ch)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if r := wait(t, res); !errors.Is(r.err, rpcerr.ChannelClosed) {
		t.Fatalf("expect channel closed, got %v", r.err)
	}
	if _, err := c.Call(context.Background(), "GetMBeanCount"); !errors.Is(err, rpcerr.ChannelClosed) {
		t.Fatalf("expect fail fast, got %v", err)
	}
	select {
	case <-ch.Dead():
	default:
		t.Fatal("closing the client must close the channel")
	}
	select {
	case data := <-ch.sent:
		t.Fatalf("nothing may be sent after close, got % x", data)
	default:
	}
}

type connListener struct {
	closed chan error
}

func (l *connListener) ConnectionClosed(err error) { l.closed <- err }

func TestChannelDeathFailsClient(t *testing.T) {
	cl := &connListener{closed: make(chan error, 1)}
	c, ch := newClient(t, WithConnectionListener(cl))

	res := callAsync(c, context.Background(), "GetMBeanCount")
	nextRequest(t, ch)
	ch.kill(errors.New("connection reset"))

	if r := wait(t, res); !errors.Is(r.err, rpcerr.ChannelClosed) {
		t.Fatalf("expect channel closed, got %v", r.err)
	}
	select {
	case <-c.Dead():
	case <-time.After(time.Second):
		t.Fatal("client did not die with its channel")
	}
	if err := <-cl.closed; err == nil || err.Error() != "connection reset" {
		t.Fatalf("unexpected close reason %v", err)
	}
}

func TestNotAttached(t *testing.T) {
	c, err := New(testRegistry)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Call(context.Background(), "GetMBeanCount"); !errors.Is(err, rpcerr.ChannelClosed) {
		t.Fatalf("expect channel closed, got %v", err)
	}
	if err := c.Attach(newFakeChannel()); err != nil {
		t.Fatal(err)
	}
	if err := c.Attach(newFakeChannel()); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("expect second attach to fail, got %v", err)
	}
}

func TestBadCalls(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	if _, err := c.Call(ctx, "NoSuchOperation"); !errors.Is(err, rpcerr.UnknownOpcode) {
		t.Errorf("expect unknown opcode, got %v", err)
	}
	if _, err := c.Call(ctx, "GetMBeanCount", 1); !errors.Is(err, errors.NotValid) {
		t.Errorf("expect not valid, got %v", err)
	}
	if _, err := c.Go(ctx, "GetMBeanCount"); !errors.Is(err, rpcerr.Configuration) {
		t.Errorf("expect configuration error without a listener, got %v", err)
	}
}

// echoChannel answers every request before Send returns.
type echoChannel struct {
	*fakeChannel
	c       *Client
	metrics *Collector
	t       *testing.T
}

func (e *echoChannel) Send(data []byte) error {
	f, err := message.Unmarshal(data)
	if err != nil {
		return err
	}
	if got := testutil.ToFloat64(e.metrics.inflight.WithLabelValues("sync")); got < 1 {
		e.t.Errorf("request %d answered while counted as %v in flight", f.CorrelationID, got)
	}
	reply(e.t, e.c, f, int32(1))
	return nil
}

func TestInflightGaugeWithImmediateResponses(t *testing.T) {
	metrics := NewCollector()
	c, err := New(testRegistry, WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Attach(&echoChannel{fakeChannel: newFakeChannel(), c: c, metrics: metrics, t: t}); err != nil {
		t.Fatal(err)
	}

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			_, err := c.GetMBeanCount(context.Background())
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.inflight.WithLabelValues("sync")); got != 0 {
		t.Fatalf("expect nothing in flight, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.completions.WithLabelValues("sync", outcomeOK)); got != 32 {
		t.Fatalf("expect 32 completions, got %v", got)
	}
}
