package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	sscipher "github.com/chengchnegcheng/ssrelay/internal/cipher"
	"github.com/chengchnegcheng/ssrelay/internal/addr"
	"github.com/chengchnegcheng/ssrelay/internal/events"
	"github.com/chengchnegcheng/ssrelay/internal/stats"
)

// fakeResolver resolves everything to loopback, since the test targets
// are stub servers bound to 127.0.0.1.
type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	return net.ParseIP("127.0.0.1"), nil
}

func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	return ln
}

func startRelay(t *testing.T, maxConns int, idleTimeout time.Duration) (*Relay, func()) {
	t.Helper()
	bus := events.NewBus()
	registry := stats.NewRegistry(time.Now())
	r, err := New(Params{
		ListenAddr:  "127.0.0.1:0",
		Method:      "aes-256-cfb",
		Password:    []byte("passw0rd"),
		MaxConns:    maxConns,
		IdleTimeout: idleTimeout,
		DialTimeout: 5 * time.Second,
		Resolver:    fakeResolver{},
		Registry:    registry,
		Bus:         bus,
	})
	if err != nil {
		t.Fatal(err)
	}
	go r.Serve()
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	}
	return r, cleanup
}

// dialClient opens a raw TCP connection to the relay and performs the
// client side of the Shadowsocks handshake for targetHostPort, returning
// the connection and the client-side CipherPair for further traffic.
func dialClient(t *testing.T, relayAddr, targetHostPort string) (net.Conn, *sscipher.CipherPair) {
	t.Helper()
	conn, err := net.Dial("tcp", relayAddr)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := sscipher.NewCipherPair("aes-256-cfb", []byte("passw0rd"))
	if err != nil {
		t.Fatal(err)
	}
	iv, err := cp.InitEncrypt()
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(targetHostPort)
	if err != nil {
		t.Fatal(err)
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(portNum)
	header, err := addr.Encode(host, port)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := make([]byte, len(header))
	if err := cp.Encrypt(ciphertext, header); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(iv); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(ciphertext); err != nil {
		t.Fatal(err)
	}
	return conn, cp
}

func TestEndToEndEchoRoundTrip(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()

	r, cleanup := startRelay(t, 10, time.Minute)
	defer cleanup()

	conn, cp := dialClient(t, r.Addr().String(), echo.Addr().String())
	defer conn.Close()

	// Read the server's response IV.
	respIV := make([]byte, cp.IVLen())
	if _, err := io.ReadFull(conn, respIV); err != nil {
		t.Fatal(err)
	}
	decPair, err := sscipher.NewCipherPair("aes-256-cfb", []byte("passw0rd"))
	if err != nil {
		t.Fatal(err)
	}
	if err := decPair.InitDecrypt(respIV); err != nil {
		t.Fatal(err)
	}

	request := []byte("GET / HTTP/1.0\r\n\r\n")
	ciphertext := make([]byte, len(request))
	if err := cp.Encrypt(ciphertext, request); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(ciphertext); err != nil {
		t.Fatal(err)
	}

	respCipher := make([]byte, len(request))
	if _, err := io.ReadFull(conn, respCipher); err != nil {
		t.Fatal(err)
	}
	plain := make([]byte, len(respCipher))
	if err := decPair.Decrypt(plain, respCipher); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, request) {
		t.Fatalf("echoed payload mismatch: got %q want %q", plain, request)
	}
}

func TestMalformedATYPClosesConnection(t *testing.T) {
	r, cleanup := startRelay(t, 10, time.Minute)
	defer cleanup()

	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cp, _ := sscipher.NewCipherPair("aes-256-cfb", []byte("passw0rd"))
	iv, _ := cp.InitEncrypt()
	badHeader := []byte{0x05, 0, 0, 0, 0, 0, 80}
	ciphertext := make([]byte, len(badHeader))
	cp.Encrypt(ciphertext, badHeader)
	conn.Write(iv)
	conn.Write(ciphertext)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected connection closed with no data, got n=%d err=%v", n, err)
	}
}

func TestMaxConnectionsPlusOneRejectsExactlyOne(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()

	r, cleanup := startRelay(t, 2, time.Minute)
	defer cleanup()

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conn, _ := dialClient(t, r.Addr().String(), echo.Addr().String())
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	time.Sleep(300 * time.Millisecond)
	if got := r.ActiveCount(); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}
}

func TestClientClosesBeforeIVComplete(t *testing.T) {
	r, cleanup := startRelay(t, 10, time.Minute)
	defer cleanup()

	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	partial := make([]byte, 5)
	rand.Read(partial)
	conn.Write(partial)
	conn.Close()

	time.Sleep(200 * time.Millisecond)
	if got := r.ActiveCount(); got != 0 {
		t.Fatalf("active = %d, want 0 after early close", got)
	}
}
