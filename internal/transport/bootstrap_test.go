package transport

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeEchoWorker writes a tiny shell-script "worker" that echoes every
// input line back prefixed with "echo:". It stands in for a real SQLite
// worker binary so the transport plumbing (pipe wiring, socket handshake,
// process lifecycle) can be exercised without a built Go binary.
func writeEchoWorker(t *testing.T, socketMode bool) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "echoworker.sh")

	var script string
	if socketMode {
		script = "#!/bin/bash\n" +
			"set -e\n" +
			`addr="$1"` + "\n" +
			`token="$2"` + "\n" +
			`exec 3<>"/dev/tcp/${addr%:*}/${addr#*:}"` + "\n" +
			`printf '%s\n' "$token" >&3` + "\n" +
			"while IFS= read -r line <&3; do\n" +
			`  printf 'echo:%s\n' "$line" >&3` + "\n" +
			"done\n"
	} else {
		script = "#!/bin/bash\n" +
			"while IFS= read -r line; do\n" +
			`  printf 'echo:%s\n' "$line"` + "\n" +
			"done\n"
	}

	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write helper worker: %v", err)
	}
	return path
}

func TestSpawnPipeModeRoundTrip(t *testing.T) {
	path := writeEchoWorker(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Spawn(ctx, Options{WorkerPath: path, Mode: ModePipe})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer tr.Close()

	stream := tr.Stream()
	if _, err := stream.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(stream)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "echo:hello\n" {
		t.Errorf("got %q, want %q", line, "echo:hello\n")
	}
}

func TestSpawnSocketModeRoundTrip(t *testing.T) {
	path := writeEchoWorker(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Spawn(ctx, Options{
		WorkerPath:       path,
		Mode:             ModeSocket,
		HandshakeTimeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer tr.Close()

	stream := tr.Stream()
	if _, err := stream.Write([]byte("hi\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(stream)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "echo:hi\n" {
		t.Errorf("got %q, want %q", line, "echo:hi\n")
	}
}

func TestSpawnSocketModeCancellation(t *testing.T) {
	path := writeEchoWorker(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled before Spawn even starts the handshake wait

	_, err := Spawn(ctx, Options{
		WorkerPath:       path,
		Mode:             ModeSocket,
		HandshakeTimeout: 5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected Spawn to fail for a cancelled context")
	}
}

func TestSpawnSocketModeWrongTokenRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rogue.sh")
	script := "#!/bin/bash\n" +
		"set -e\n" +
		`addr="$1"` + "\n" +
		`exec 3<>"/dev/tcp/${addr%:*}/${addr#*:}"` + "\n" +
		`printf 'not-the-token\n' >&3` + "\n" +
		"sleep 2\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write helper worker: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Spawn(ctx, Options{
		WorkerPath:       path,
		Mode:             ModeSocket,
		HandshakeTimeout: 3 * time.Second,
	})
	if !errors.Is(err, ErrHandshakeMismatch) {
		t.Fatalf("got %v, want ErrHandshakeMismatch", err)
	}
}

func TestSpawnPipeModeMissingBinary(t *testing.T) {
	_, err := Spawn(context.Background(), Options{WorkerPath: filepath.Join(t.TempDir(), "does-not-exist")})
	if err == nil {
		t.Fatal("expected Spawn to fail for a missing worker binary")
	}
}
