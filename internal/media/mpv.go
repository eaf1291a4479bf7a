// Package media plays direct audio tracks through an mpv process driven over
// its JSON IPC socket.
package media

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrNotConnected = errors.New("mpv not connected")
	ErrDisabled     = errors.New("direct audio playback disabled")
)

// Event is a playback update reported by mpv.
type Event struct {
	Paused    *bool
	Ended     bool
	EndReason string
	Err       error
}

type Options struct {
	MPVPath        string
	IPCPath        string
	DisableProcess bool
	ExtraArgs      []string
	Dial           func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Controller owns the mpv process and its IPC connection.
type Controller struct {
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	conn    net.Conn
	src     string
	playing bool

	events   chan Event
	stopOnce sync.Once
	done     chan struct{}
}

func New(opts Options) *Controller {
	if opts.MPVPath == "" {
		opts.MPVPath = "mpv"
	}
	if opts.IPCPath == "" {
		opts.IPCPath = filepath.Join(os.TempDir(), "partyoverlay-mpv.sock")
	}
	return &Controller{
		opts:   opts,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}
}

// Start launches mpv (unless disabled) and connects to its IPC socket.
func (c *Controller) Start(ctx context.Context) error {
	if !c.opts.DisableProcess {
		args := append([]string{
			"--idle=yes",
			"--force-window=no",
			"--no-terminal",
			"--no-video",
			"--input-ipc-server=" + c.opts.IPCPath,
		}, c.opts.ExtraArgs...)
		cmd := exec.CommandContext(ctx, c.opts.MPVPath, args...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start mpv: %w", err)
		}
		c.mu.Lock()
		c.cmd = cmd
		c.mu.Unlock()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.send(ctx, "observe_property", 1, "pause"); err != nil {
		return fmt.Errorf("observe pause: %w", err)
	}
	go c.readLoop(conn)
	log.Printf("media: connected to mpv at %s", c.opts.IPCPath)
	return nil
}

func (c *Controller) dial(ctx context.Context) (net.Conn, error) {
	dial := c.opts.Dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: 5 * time.Second}).DialContext
	}
	delay := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		var conn net.Conn
		if conn, err = dial(ctx, "unix", c.opts.IPCPath); err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect mpv ipc: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, 500*time.Millisecond)
	}
	return nil, fmt.Errorf("connect mpv ipc: %w", err)
}

func (c *Controller) Events() <-chan Event { return c.events }

// Play loads src unless it is already the current file, then unpauses.
func (c *Controller) Play(ctx context.Context, src string) error {
	c.mu.Lock()
	same := c.src == src
	c.mu.Unlock()

	if !same {
		if err := c.send(ctx, "loadfile", src, "replace"); err != nil {
			return fmt.Errorf("load %s: %w", src, err)
		}
	}
	if err := c.send(ctx, "set_property", "pause", false); err != nil {
		return fmt.Errorf("unpause: %w", err)
	}
	c.mu.Lock()
	c.src = src
	c.playing = true
	c.mu.Unlock()
	return nil
}

// Pause is a no-op when nothing is playing.
func (c *Controller) Pause(ctx context.Context) error {
	if !c.Playing() {
		return nil
	}
	if err := c.send(ctx, "set_property", "pause", true); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()
	return nil
}

func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

func (c *Controller) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.src
}

func (c *Controller) Stop() error {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		b, _ := json.Marshal(map[string]any{"command": []any{"quit"}})
		_, _ = c.conn.Write(append(b, '\n'))
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
		c.cmd = nil
	}
	c.playing = false
	return nil
}

func (c *Controller) send(ctx context.Context, args ...any) error {
	b, err := json.Marshal(map[string]any{"command": args})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(5 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_, err = c.conn.Write(append(b, '\n'))
	return err
}

type ipcMessage struct {
	Event  string `json:"event"`
	Name   string `json:"name"`
	Data   any    `json:"data"`
	Reason string `json:"reason"`
}

func (c *Controller) readLoop(conn net.Conn) {
	defer close(c.events)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg ipcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "property-change":
			paused, ok := msg.Data.(bool)
			if msg.Name != "pause" || !ok {
				continue
			}
			c.mu.Lock()
			if c.src != "" {
				c.playing = !paused
			}
			c.mu.Unlock()
			c.publish(Event{Paused: &paused})
		case "end-file":
			ended := msg.Reason == "eof"
			if ended {
				c.mu.Lock()
				c.playing = false
				c.mu.Unlock()
			}
			c.publish(Event{Ended: ended, EndReason: msg.Reason})
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-c.done:
		default:
			log.Printf("media: mpv ipc read: %v", err)
			c.publish(Event{Err: err})
		}
	}
}

func (c *Controller) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Disabled is a media element that refuses to play, used when direct audio
// playback is turned off.
type Disabled struct{}

func (Disabled) Play(context.Context, string) error { return ErrDisabled }
func (Disabled) Pause(context.Context) error        { return nil }
func (Disabled) Playing() bool                      { return false }
