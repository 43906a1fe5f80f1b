package transport

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestUnixListenAndDial(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "apteryxd.sock")
	uri := "unix://" + sock

	l, err := Listen(uri, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			done <- c
		}
	}()

	c, err := Dial(uri, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()

	select {
	case sc := <-done:
		sc.Close()
	case <-time.After(time.Second):
		t.Fatal("accept never completed")
	}
}

func TestUnixListenerRemovesStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "stale.sock")
	uri := "unix://" + sock

	l, err := Listen(uri, 0)
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	l.Close()

	// A second bind must succeed even though the previous socket file
	// may linger.
	l2, err := Listen(uri, 0)
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	l2.Close()
}

func TestTCPListenAndDial(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	go l.Accept()

	c, err := Dial("tcp://"+l.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()
}

func TestUnsupportedSchemeRefused(t *testing.T) {
	if _, err := Listen("http://127.0.0.1:80", 0); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestIsProxyURI(t *testing.T) {
	for uri, want := range map[string]bool{
		"unix:///tmp/a.sock":  true,
		"tcp://10.0.0.1:9999": true,
		"tcp6://[::1]:9999":   true,
		"/test/zones/*":       false,
		"ftp://example.com/x": false,
	} {
		if got := IsProxyURI(uri); got != want {
			t.Errorf("IsProxyURI(%q) = %v, want %v", uri, got, want)
		}
	}
}
