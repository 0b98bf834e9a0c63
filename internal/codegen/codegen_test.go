package codegen

import (
	"context"
	"testing"
	"time"
)

func TestSpawn_NoCommand(t *testing.T) {
	if _, err := Spawn(context.Background(), Options{}); err == nil {
		t.Error("expected error without a command")
	}
}

func TestProcess_OnExit(t *testing.T) {
	p, err := Spawn(context.Background(), Options{Command: []string{"sh", "-c", "echo 'schema not found' >&2; exit 2"}})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	got := make(chan error, 1)
	p.OnExit(func(err error) { got <- err })

	select {
	case err := <-got:
		if err == nil {
			t.Error("expected a non-nil exit error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit listener was not called")
	}
}

func TestProcess_RemoveListeners(t *testing.T) {
	p, err := Spawn(context.Background(), Options{Command: []string{"sh", "-c", "sleep 0.2; exit 1"}})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	called := make(chan struct{}, 1)
	p.OnExit(func(error) { called <- struct{}{} })
	p.RemoveListeners()

	<-p.Done()
	select {
	case <-called:
		t.Error("removed listener was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcess_Stop(t *testing.T) {
	tests := []struct {
		name    string
		command []string
	}{
		{"exits on interrupt", []string{"sleep", "30"}},
		{"killed after grace", []string{"sh", "-c", "trap '' INT; exec sleep 30"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Spawn(context.Background(), Options{Command: tt.command, StopGrace: 100 * time.Millisecond})
			if err != nil {
				t.Fatalf("Spawn() error = %v", err)
			}
			called := make(chan struct{}, 1)
			p.OnExit(func(error) { called <- struct{}{} })

			start := time.Now()
			if err := p.Stop(context.Background()); err != nil {
				t.Fatalf("Stop() error = %v", err)
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("Stop() took %v", elapsed)
			}
			select {
			case <-p.Done():
			default:
				t.Error("process still running after Stop")
			}
			select {
			case <-called:
				t.Error("OnExit listener called for a requested stop")
			case <-time.After(50 * time.Millisecond):
			}

			if err := p.Stop(context.Background()); err != nil {
				t.Errorf("second Stop() error = %v", err)
			}
		})
	}
}
