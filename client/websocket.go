package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type ChannelState int

const (
	ChannelIdle ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// DefaultMaxPreviews is how many preview frames a channel keeps.
const DefaultMaxPreviews = 10

// TrackSpec designates the job a channel follows. TerminalNode is the id of
// the node whose completion, together with every other node's, signals the
// end of the run; empty means any all-finished progress_state counts.
type TrackSpec struct {
	PromptID     string
	TerminalNode string
}

// ProgressChannel is one WebSocket connection to the server, scoped to a
// client token. It is used for a single job and never reconnects.
type ProgressChannel struct {
	client      *ComfyClient
	logger      *slog.Logger
	maxPreviews int

	mu          sync.Mutex
	state       ChannelState
	closeReason error
	conn        *websocket.Conn
	handlers    ProgressHandlers
	track       *TrackSpec
	previews    []PreviewFrame
}

// NewProgressChannel creates an idle channel. maxPreviews <= 0 means
// DefaultMaxPreviews.
func (c *ComfyClient) NewProgressChannel(maxPreviews int) *ProgressChannel {
	if maxPreviews <= 0 {
		maxPreviews = DefaultMaxPreviews
	}
	return &ProgressChannel{
		client:      c,
		logger:      c.logger,
		maxPreviews: maxPreviews,
		state:       ChannelIdle,
	}
}

// Open connects the channel for clientToken and starts dispatching to
// handlers; nil handlers log through DefaultProgressHandlers. A channel can
// only be opened once.
func (pc *ProgressChannel) Open(ctx context.Context, clientToken string, handlers *ProgressHandlers) error {
	pc.mu.Lock()
	if pc.state != ChannelIdle {
		state := pc.state
		pc.mu.Unlock()
		return fmt.Errorf("%w: channel is %s", ErrStream, state)
	}
	pc.state = ChannelConnecting
	if handlers == nil {
		handlers = DefaultProgressHandlers(pc.logger)
	}
	pc.handlers = *handlers
	pc.mu.Unlock()

	wsURL := pc.client.WebSocketURL(clientToken)
	pc.logger.Debug("connecting progress stream", "url", wsURL)

	conn, _, err := pc.client.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		err = fmt.Errorf("%w: dial %s: %v", ErrStream, wsURL, err)
		pc.mu.Lock()
		pc.state = ChannelClosed
		pc.closeReason = err
		pc.mu.Unlock()
		return err
	}

	pc.mu.Lock()
	if pc.state == ChannelClosed {
		// Close won the race with the handshake
		pc.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: closed while connecting", ErrStream)
	}
	pc.conn = conn
	pc.state = ChannelOpen
	pc.mu.Unlock()

	go pc.readLoop(conn)
	return nil
}

// Track designates the job whose events, hints and previews are dispatched.
// Before Track only events without a prompt id get through.
func (pc *ProgressChannel) Track(spec TrackSpec) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.track = &spec
}

func (pc *ProgressChannel) State() ChannelState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// Err returns why the channel closed, nil while open or after Close.
func (pc *ProgressChannel) Err() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closeReason
}

// Previews returns the most recent preview frames, oldest first.
func (pc *ProgressChannel) Previews() []PreviewFrame {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	retv := make([]PreviewFrame, len(pc.previews))
	copy(retv, pc.previews)
	return retv
}

// Close shuts the transport down and drops buffered previews. A frame that
// is already being dispatched finishes; nothing is dispatched after that.
func (pc *ProgressChannel) Close() error {
	pc.mu.Lock()
	if pc.state == ChannelClosed {
		pc.mu.Unlock()
		return nil
	}
	wasOpen := pc.state == ChannelOpen
	pc.state = ChannelClosed
	pc.previews = nil
	conn := pc.conn
	h := pc.handlers
	pc.mu.Unlock()

	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	if wasOpen && h.OnClose != nil {
		h.OnClose(nil)
	}
	return err
}

func (pc *ProgressChannel) readLoop(conn *websocket.Conn) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			pc.lost(conn, err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			pc.handleText(payload)
		case websocket.BinaryMessage:
			pc.handleBinary(payload)
		}
	}
}

// lost handles a transport failure. It is a no-op after Close.
func (pc *ProgressChannel) lost(conn *websocket.Conn, cause error) {
	pc.mu.Lock()
	if pc.state == ChannelClosed {
		pc.mu.Unlock()
		return
	}
	reason := fmt.Errorf("%w: %v", ErrStream, cause)
	pc.state = ChannelClosed
	pc.closeReason = reason
	pc.previews = nil
	track := pc.track
	h := pc.handlers
	pc.mu.Unlock()

	conn.Close()
	pc.logger.Warn("progress stream lost", "error", cause)

	if h.OnError != nil {
		h.OnError(reason)
	}
	if track != nil && h.OnHint != nil {
		h.OnHint(Hint{Kind: HintStreamLost, PromptID: track.PromptID, Detail: cause.Error()})
	}
	if h.OnClose != nil {
		h.OnClose(reason)
	}
}

// dispatchState returns the handlers and tracked job, and whether the
// channel is still dispatching.
func (pc *ProgressChannel) dispatchState() (ProgressHandlers, *TrackSpec, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state != ChannelOpen {
		return ProgressHandlers{}, nil, false
	}
	if pc.track == nil {
		return pc.handlers, nil, true
	}
	track := *pc.track
	return pc.handlers, &track, true
}

func (pc *ProgressChannel) handleText(payload []byte) {
	if len(payload) < 3 {
		pc.logger.Debug("ignoring short text frame", "size", len(payload))
		return
	}

	ev, err := DecodeProgressEvent(payload)
	if err != nil {
		pc.logger.Warn("undecodable progress event", "error", err)
		return
	}

	h, track, ok := pc.dispatchState()
	if !ok {
		return
	}
	if ev.PromptID != "" && (track == nil || ev.PromptID != track.PromptID) {
		pc.logger.Debug("dropping event for another prompt", "type", ev.Type, "prompt_id", ev.PromptID)
		return
	}

	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
	if track != nil && h.OnHint != nil {
		if hint, ok := hintFor(ev, *track); ok {
			h.OnHint(hint)
		}
	}
}

func (pc *ProgressChannel) handleBinary(payload []byte) {
	h, track, ok := pc.dispatchState()
	if !ok || track == nil {
		return
	}

	frame := DecodePreviewFrame(payload)

	pc.mu.Lock()
	pc.previews = append(pc.previews, frame)
	if over := len(pc.previews) - pc.maxPreviews; over > 0 {
		pc.previews = append([]PreviewFrame(nil), pc.previews[over:]...)
	}
	pc.mu.Unlock()

	if h.OnPreview != nil {
		h.OnPreview(&frame)
	}
}
