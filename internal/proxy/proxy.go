// Package proxy bridges an MCP client that only speaks stdio to the
// daemon's SSE endpoint. Frames pass through untouched, except that every
// `start` tool call gets the client's working directory injected so
// spawned servers run where the client is, not where the daemon is.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Run bridges stdin/stdout to the daemon at daemonURL until either
// direction closes or a SIGINT arrives. All diagnostics go to stderr;
// stdout carries protocol frames only.
func Run(ctx context.Context, daemonURL string) error {
	clientCwd, err := os.Getwd()
	if err != nil {
		clientCwd = "" // best effort; skip injection
	}

	if clientCwd != "" {
		fmt.Fprintf(os.Stderr, "STDIO proxy starting in CWD: %s\n", clientCwd)
	}
	fmt.Fprintf(os.Stderr, "STDIO proxy connecting to daemon at %s\n", daemonURL)

	return runBridge(ctx, daemonURL, clientCwd, os.Stdin, os.Stdout)
}

func runBridge(ctx context.Context, daemonURL, clientCwd string, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sse, err := connectSSE(ctx, daemonURL)
	if err != nil {
		return fmt.Errorf("connect daemon: %w", err)
	}
	defer sse.Close()

	// Per-direction FIFO queues between the two loops
	req := make(chan []byte, 64)
	resp := make(chan []byte, 64)

	stdinCh := readLines(stdin)

	// stdio loop: client frames in (with cwd injection), daemon frames out
	stdioDone := make(chan struct{})
	go func() {
		defer close(stdioDone)
		w := bufio.NewWriter(stdout)
		for {
			select {
			case line, ok := <-stdinCh:
				if !ok {
					return
				}
				select {
				case req <- InjectCwd(line, clientCwd):
				case <-ctx.Done():
					return
				}
			case msg := <-resp:
				w.Write(msg)
				w.WriteByte('\n')
				if err := w.Flush(); err != nil {
					fmt.Fprintf(os.Stderr, "STDIO send error: %v\n", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// sse loop: daemon frames in, client frames out
	sseDone := make(chan struct{})
	go func() {
		defer close(sseDone)
		for {
			select {
			case msg, ok := <-sse.Messages:
				if !ok {
					return
				}
				select {
				case resp <- msg:
				case <-ctx.Done():
					return
				}
			case msg := <-req:
				if err := sse.Send(ctx, msg); err != nil {
					fmt.Fprintf(os.Stderr, "SSE send error: %v\n", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case <-stdioDone:
		fmt.Fprintln(os.Stderr, "STDIO task ended")
	case <-sseDone:
		fmt.Fprintln(os.Stderr, "SSE task ended")
	case <-sigChan:
		fmt.Fprintln(os.Stderr, "Interrupted")
	case <-ctx.Done():
	}

	return nil
}

// readLines feeds complete lines from r into a channel, closing it on
// EOF or read error.
func readLines(r io.Reader) <-chan []byte {
	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			ch <- line
		}
	}()
	return ch
}

// InjectCwd rewrites one inbound JSON-RPC frame: a `start` tool call
// whose arguments lack `cwd` gets the client working directory added.
// Everything else — including anything that fails to parse — passes
// through verbatim.
func InjectCwd(raw []byte, clientCwd string) []byte {
	if clientCwd == "" {
		return raw
	}

	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return raw
	}

	params, ok := msg["params"].(map[string]any)
	if !ok {
		return raw
	}
	if name, ok := params["name"].(string); !ok || name != "start" {
		return raw
	}
	args, ok := params["arguments"].(map[string]any)
	if !ok {
		return raw
	}
	if _, exists := args["cwd"]; exists {
		return raw
	}

	args["cwd"] = clientCwd

	out, err := json.Marshal(msg)
	if err != nil {
		return raw
	}
	return out
}

// sseConn is the daemon side of the bridge: a long-lived event stream
// for daemon-to-client frames and a message endpoint for POSTing
// client-to-daemon frames.
type sseConn struct {
	Messages <-chan []byte

	endpoint string
	client   *http.Client
	body     io.Closer
}

// connectSSE opens the event stream and waits for the server to announce
// its message endpoint.
func connectSSE(ctx context.Context, daemonURL string) (*sseConn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, daemonURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, daemonURL)
	}

	events := make(chan sseEvent, 64)
	go scanEvents(resp.Body, events)

	// The first event announces where messages go
	var endpoint string
	select {
	case ev, ok := <-events:
		if !ok {
			resp.Body.Close()
			return nil, fmt.Errorf("event stream closed before endpoint event")
		}
		if ev.name != "endpoint" {
			resp.Body.Close()
			return nil, fmt.Errorf("expected endpoint event, got %q", ev.name)
		}
		endpoint, err = resolveEndpoint(daemonURL, ev.data)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
	case <-ctx.Done():
		resp.Body.Close()
		return nil, ctx.Err()
	}

	messages := make(chan []byte, 64)
	go func() {
		defer close(messages)
		for ev := range events {
			if ev.name == "message" {
				messages <- []byte(ev.data)
			}
		}
	}()

	return &sseConn{
		Messages: messages,
		endpoint: endpoint,
		client:   client,
		body:     resp.Body,
	}, nil
}

// Send POSTs one frame to the daemon's message endpoint.
func (c *sseConn) Send(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("message endpoint returned %s", resp.Status)
	}
	return nil
}

func (c *sseConn) Close() error {
	return c.body.Close()
}

type sseEvent struct {
	name string
	data string
}

// scanEvents parses a text/event-stream body into events. Multi-line data
// fields are joined with newlines per the SSE spec.
func scanEvents(body io.Reader, out chan<- sseEvent) {
	defer close(out)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var name string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if name != "" || len(data) > 0 {
				out <- sseEvent{name: name, data: strings.Join(data, "\n")}
			}
			name = ""
			data = nil
			continue
		}

		if after, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimPrefix(after, " ")
		} else if after, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(after, " "))
		}
	}
}

// resolveEndpoint turns the announced endpoint (absolute or relative)
// into an absolute URL against the daemon base.
func resolveEndpoint(daemonURL, endpoint string) (string, error) {
	base, err := url.Parse(daemonURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("bad endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}
