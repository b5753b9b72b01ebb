//go:build !windows

package procrunner

import (
	"bufio"
	"errors"
	"testing"
	"time"

	"github.com/attemptengine/core/internal/types"
)

func TestSpawnEchoAndWait(t *testing.T) {
	c, err := Spawn(Spec{Program: "sh", Args: []string{"-c", "echo hello"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	scanner := bufio.NewScanner(c.Stdout())
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	status := c.Wait()
	if !status.Success || status.Code != 0 {
		t.Errorf("want success exit 0, got %+v", status)
	}
	if len(lines) != 1 || lines[0] != "hello" {
		t.Errorf("want [hello], got %v", lines)
	}
}

func TestTryWaitObservesExitWithoutAnyWaitCall(t *testing.T) {
	c, err := Spawn(Spec{Program: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if status, exited := c.TryWait(); exited {
			if !status.Success {
				t.Errorf("want success, got %+v", status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("TryWait never observed exit of a process nobody Wait()ed on")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpawnNonZeroExit(t *testing.T) {
	c, err := Spawn(Spec{Program: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	status := c.Wait()
	if status.Success || status.Code != 3 {
		t.Errorf("want failure code 3, got %+v", status)
	}
}

func TestSpawnExecutableNotFound(t *testing.T) {
	_, err := Spawn(Spec{Program: "definitely-not-a-real-binary-xyz"})
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if !errors.Is(err, types.ErrExecutableNotFound) {
		t.Errorf("want ErrExecutableNotFound in chain, got %v", err)
	}
}

func TestKillIdempotentAfterExit(t *testing.T) {
	c, err := Spawn(Spec{Program: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	c.Wait()
	if err := Kill(c); err != nil {
		t.Errorf("Kill on exited child should be a no-op success, got %v", err)
	}
}

func TestKillSleepLoopWithinSixSeconds(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping escalation timing test in -short mode")
	}
	c, err := Spawn(Spec{Program: "sh", Args: []string{"-c", "trap '' INT TERM; sleep 60"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	start := time.Now()
	if err := Kill(c); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 7*time.Second {
		t.Errorf("kill escalation took %v, want <= ~6s (three 2s signal gaps)", elapsed)
	}
	status := c.Wait()
	if status.Success {
		t.Errorf("want non-success status for killed process, got %+v", status)
	}
}

func TestStdinWrittenThenClosed(t *testing.T) {
	c, err := Spawn(Spec{Program: "cat", Stdin: []byte("ping")})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	scanner := bufio.NewScanner(c.Stdout())
	scanner.Scan()
	if got := scanner.Text(); got != "ping" {
		t.Errorf("want echoed stdin %q, got %q", "ping", got)
	}
	c.Wait()
}
