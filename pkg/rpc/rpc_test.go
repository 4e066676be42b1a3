package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ceponce/finagle/pkg/cert"
	"github.com/Ceponce/finagle/pkg/policy"
	"github.com/Ceponce/finagle/pkg/stats"
	"github.com/Ceponce/finagle/pkg/transport"
)

func testTransport(t *testing.T, name string, p policy.Policy) *transport.Config {
	t.Helper()
	c, err := cert.GenerateSelfSigned(name)
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	return &transport.Config{
		Certificate:        c,
		Policy:             p,
		InsecureSkipVerify: true,
	}
}

// startServer runs a server on a loopback port with a doubling query handler
// and returns it together with its stats registry.
func startServer(t *testing.T, serverPolicy policy.Policy) (*Server, *stats.Registry) {
	t.Helper()

	mux := NewMux()
	mux.HandleQuery(func(_ context.Context, request string) (string, error) {
		return request + request, nil
	})
	mux.Handle("fail", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("refused")
	})

	registry := stats.NewRegistry()
	srv, err := NewServer(ServerConfig{
		TLS:     testTransport(t, "server", serverPolicy),
		Address: "127.0.0.1:0",
		Stats:   registry,
		Handler: mux.Serve,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, registry
}

// waitForGauge polls a registry until the labelled connection gauge reaches
// want or the deadline passes. Teardown decrements land asynchronously.
func waitForGauge(t *testing.T, reg *stats.Registry, label string, want int64) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	path := stats.ConnectionsPath(label)
	for time.Now().Before(deadline) {
		if reg.Read(path...) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("gauge %v = %d, want %d", path, reg.Read(path...), want)
}

func TestDialAndQuery(t *testing.T) {
	srv, serverReg := startServer(t, policy.AlwaysAccept{})

	clientReg := stats.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.Addr().String(), ClientConfig{
		TLS:   testTransport(t, "client", policy.AlwaysAccept{}),
		Stats: clientReg,
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	// Both sides account the established connection under their own label.
	if got := clientReg.Read(stats.ConnectionsPath("client")...); got != 1 {
		t.Errorf("client gauge = %d, want 1", got)
	}
	waitForGauge(t, serverReg, "server", 1)

	reply, err := client.Query(ctx, "hello")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if reply != "hellohello" {
		t.Errorf("reply = %q, want hellohello", reply)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The client gauge drops synchronously with Close; the server observes
	// the teardown shortly after.
	if got := clientReg.Read(stats.ConnectionsPath("client")...); got != 0 {
		t.Errorf("client gauge after close = %d, want 0", got)
	}
	waitForGauge(t, serverReg, "server", 0)
}

func TestConcurrentQueries(t *testing.T) {
	srv, _ := startServer(t, policy.AlwaysAccept{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.Addr().String(), ClientConfig{
		TLS: testTransport(t, "client", policy.AlwaysAccept{}),
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	const calls = 16
	var wg sync.WaitGroup
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := fmt.Sprintf("req-%d", n)
			reply, err := client.Query(ctx, req)
			if err != nil {
				errs[n] = err
				return
			}
			if reply != req+req {
				errs[n] = fmt.Errorf("reply %q for request %q", reply, req)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("query %d: %v", i, err)
		}
	}
}

func TestCallErrorStatus(t *testing.T) {
	srv, _ := startServer(t, policy.AlwaysAccept{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.Addr().String(), ClientConfig{
		TLS: testTransport(t, "client", policy.AlwaysAccept{}),
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if _, err := client.Call(ctx, "fail", nil); err == nil {
		t.Error("expected error from failing method")
	}
	if _, err := client.Call(ctx, "does-not-exist", nil); err == nil {
		t.Error("expected error from unknown method")
	}

	// Failed exchanges never kill the connection.
	if _, err := client.Query(ctx, "still up"); err != nil {
		t.Errorf("connection should survive failed calls: %v", err)
	}
}

func TestServerRejectsClient(t *testing.T) {
	srv, serverReg := startServer(t, policy.NeverAccept{})

	clientReg := stats.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := Dial(ctx, srv.Addr().String(), ClientConfig{
		TLS:   testTransport(t, "client", policy.AlwaysAccept{}),
		Stats: clientReg,
	})
	if err == nil {
		t.Fatal("expected the dial to be refused")
	}

	kind, ok := transport.KindOf(err)
	if !ok {
		t.Fatalf("not a handshake error: %v", err)
	}
	if kind != transport.FailureServerRejectedPeer {
		t.Errorf("kind = %s, want SERVER_REJECTED_PEER", kind)
	}

	// Refused connections never become established, so no gauge moves.
	if got := clientReg.Read(stats.ConnectionsPath("client")...); got != 0 {
		t.Errorf("client gauge = %d, want 0", got)
	}
	if got := serverReg.Read(stats.ConnectionsPath("server")...); got != 0 {
		t.Errorf("server gauge = %d, want 0", got)
	}
}

func TestClientRejectsServer(t *testing.T) {
	srv, _ := startServer(t, policy.AlwaysAccept{})

	clientReg := stats.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := Dial(ctx, srv.Addr().String(), ClientConfig{
		TLS:   testTransport(t, "client", policy.NeverAccept{}),
		Stats: clientReg,
	})
	if err == nil {
		t.Fatal("expected the dial to be refused")
	}

	kind, ok := transport.KindOf(err)
	if !ok {
		t.Fatalf("not a handshake error: %v", err)
	}
	if kind != transport.FailureClientRejectedPeer {
		t.Errorf("kind = %s, want CLIENT_REJECTED_PEER", kind)
	}
	if !policy.IsRejection(err) {
		t.Error("client-side rejection should unwrap to the policy verdict")
	}
	if got := clientReg.Read(stats.ConnectionsPath("client")...); got != 0 {
		t.Errorf("client gauge = %d, want 0", got)
	}
}

func TestServerStopClosesClients(t *testing.T) {
	srv, serverReg := startServer(t, policy.AlwaysAccept{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.Addr().String(), ClientConfig{
		TLS: testTransport(t, "client", policy.AlwaysAccept{}),
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	waitForGauge(t, serverReg, "server", 1)

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The client observes the server-initiated teardown.
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe server shutdown")
	}

	if got := serverReg.Read(stats.ConnectionsPath("server")...); got != 0 {
		t.Errorf("server gauge after Stop = %d, want 0", got)
	}
	if got := srv.SessionCount(); got != 0 {
		t.Errorf("SessionCount after Stop = %d, want 0", got)
	}
}

func TestDialValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := Dial(ctx, "127.0.0.1:1", ClientConfig{}); err == nil {
		t.Error("Dial without transport config should fail")
	}
	if _, err := NewServer(ServerConfig{}); err == nil {
		t.Error("NewServer without transport config should fail")
	}
}

func TestStopDuringConnectionSetup(t *testing.T) {
	// A connection whose handshake completes while Stop is snapshotting the
	// session table must still be closed and un-gauged: either Stop's
	// snapshot sees it, or the connection goroutine observes the stopped
	// server and closes it itself. Stop must never hang waiting on it.
	for round := 0; round < 5; round++ {
		registry := stats.NewRegistry()
		mux := NewMux()
		mux.HandleQuery(func(_ context.Context, request string) (string, error) {
			return request, nil
		})

		srv, err := NewServer(ServerConfig{
			TLS:     testTransport(t, "server", policy.AlwaysAccept{}),
			Address: "127.0.0.1:0",
			Stats:   registry,
			Handler: mux.Serve,
		})
		if err != nil {
			t.Fatalf("NewServer failed: %v", err)
		}
		if err := srv.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		addr := srv.Addr().String()

		// Race a batch of dials against Stop.
		const dials = 4
		transports := make([]*transport.Config, dials)
		for i := range transports {
			transports[i] = testTransport(t, "client", policy.AlwaysAccept{})
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var connected []*Client
		for i := 0; i < dials; i++ {
			wg.Add(1)
			go func(tc *transport.Config) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				c, err := Dial(ctx, addr, ClientConfig{TLS: tc})
				if err != nil {
					// Losing the race to Stop is expected.
					return
				}
				mu.Lock()
				connected = append(connected, c)
				mu.Unlock()
			}(transports[i])
		}

		stopped := make(chan error, 1)
		go func() { stopped <- srv.Stop() }()

		select {
		case err := <-stopped:
			if err != nil {
				t.Fatalf("Stop failed: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("Stop hung with a connection mid-setup")
		}
		wg.Wait()

		for _, c := range connected {
			c.Close()
		}

		if got := srv.SessionCount(); got != 0 {
			t.Errorf("SessionCount after Stop = %d, want 0", got)
		}
		waitForGauge(t, registry, "server", 0)
	}
}

func TestAcceptErrorsDoNotSpin(t *testing.T) {
	var errCount atomic.Int32

	mux := NewMux()
	srv, err := NewServer(ServerConfig{
		TLS:     testTransport(t, "server", policy.AlwaysAccept{}),
		Address: "127.0.0.1:0",
		Handler: mux.Serve,
		OnError: func(error) { errCount.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	// Kill the listener out from under the accept loop; every Accept now
	// fails immediately while the server still considers itself running.
	srv.listener.Close()
	time.Sleep(350 * time.Millisecond)

	n := errCount.Load()
	if n == 0 {
		t.Fatal("accept loop never observed the failing listener")
	}
	if n > 10 {
		t.Errorf("accept loop reported %d errors in 350ms; retries are not paced", n)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestMultipleClientsCounted(t *testing.T) {
	srv, serverReg := startServer(t, policy.AlwaysAccept{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientReg := stats.NewRegistry()
	dial := func() *Client {
		c, err := Dial(ctx, srv.Addr().String(), ClientConfig{
			TLS:   testTransport(t, "client", policy.AlwaysAccept{}),
			Stats: clientReg,
		})
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		return c
	}

	a := dial()
	b := dial()

	waitForGauge(t, serverReg, "server", 2)
	if got := clientReg.Read(stats.ConnectionsPath("client")...); got != 2 {
		t.Errorf("client gauge = %d, want 2", got)
	}

	a.Close()
	waitForGauge(t, serverReg, "server", 1)
	waitForGauge(t, clientReg, "client", 1)

	b.Close()
	waitForGauge(t, serverReg, "server", 0)
	waitForGauge(t, clientReg, "client", 0)
}
