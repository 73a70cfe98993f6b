package maintenance

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckReachable(t *testing.T) {
	orig := dialFunc
	t.Cleanup(func() { dialFunc = orig })

	var mu sync.Mutex
	up := true
	dialFunc = func(network, address string, timeout time.Duration) (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "tcp", network)
		assert.Equal(t, "supervisor:80", address)
		if !up {
			return nil, &net.OpError{Op: "dial", Err: os.ErrDeadlineExceeded}
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	changes := make(chan bool, 8)
	svc := New(Options{
		ProbeAddr:     "supervisor:80",
		CheckInterval: 10 * time.Millisecond,
		OnReachable:   func(b bool) { changes <- b },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case b := <-changes:
		assert.True(t, b)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial reachability report")
	}
	assert.True(t, svc.Reachable())

	mu.Lock()
	up = false
	mu.Unlock()

	select {
	case b := <-changes:
		assert.False(t, b)
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
	assert.False(t, svc.Reachable())
}

func TestCheckReachable_OnlyReportsChanges(t *testing.T) {
	orig := dialFunc
	t.Cleanup(func() { dialFunc = orig })
	dialFunc = func(string, string, time.Duration) (net.Conn, error) {
		return nil, errors.New("refused")
	}

	var mu sync.Mutex
	calls := 0
	svc := New(Options{
		ProbeAddr:     "supervisor:80",
		CheckInterval: 5 * time.Millisecond,
		OnReachable: func(bool) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	svc.Start(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestPruneStale(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)

	write := func(name string, mtime time.Time) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	write("001-a.json.bad", old)
	write(".002-b.json.tmp", old)
	write("003-c.json.bad", time.Now())
	write("004-d.json", old)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.bad"), 0755))

	assert.Equal(t, 2, pruneStale(dir, 24*time.Hour))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"003-c.json.bad", "004-d.json", "sub.bad"}, names)
}

func TestPruneStale_MissingDir(t *testing.T) {
	assert.Equal(t, 0, pruneStale(filepath.Join(t.TempDir(), "nope"), time.Hour))
}

func TestProbeAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://supervisor/core/api", "supervisor:80", false},
		{"https://ha.example.com/api", "ha.example.com:443", false},
		{"http://192.168.1.5:8123/api", "192.168.1.5:8123", false},
		{"/api", "", true},
	}
	for _, tt := range tests {
		got, err := ProbeAddr(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
