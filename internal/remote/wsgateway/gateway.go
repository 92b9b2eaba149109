// Package wsgateway opens remote push-change channels over a websocket
// gateway. Each channel is one connection carrying a subscribe request and
// then a stream of change frames.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tildaslashalef/venuesync/internal/config"
	"github.com/tildaslashalef/venuesync/internal/loggy"
	"github.com/tildaslashalef/venuesync/internal/remote"
)

const (
	writeWait = 10 * time.Second
	// subscribeWait bounds the wait for the gateway's ack
	subscribeWait = 10 * time.Second
)

// TokenSource supplies the bearer token sent on connect
type TokenSource interface {
	Token() string
}

// Opener implements remote.ChannelOpener
type Opener struct {
	url          string
	tokens       TokenSource
	dialer       *websocket.Dialer
	pingInterval time.Duration
	buffer       int
	logger       *loggy.Logger
}

// NewOpener creates an opener for the gateway in cfg. tokens may be nil.
func NewOpener(cfg config.RealtimeConfig, tokens TokenSource, logger *loggy.Logger) *Opener {
	return &Opener{
		url:          cfg.GatewayURL,
		tokens:       tokens,
		dialer:       websocket.DefaultDialer,
		pingInterval: cfg.PingInterval,
		buffer:       cfg.Buffer,
		logger:       logger.Component("wsgateway"),
	}
}

// OpenChannel dials the gateway and subscribes to filters
func (o *Opener) OpenChannel(ctx context.Context, filters ...remote.Filter) (remote.Channel, error) {
	header := http.Header{}
	if o.tokens != nil {
		if token := o.tokens.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := o.dialer.DialContext(ctx, o.url, header)
	if err != nil {
		return nil, dialError(resp, err)
	}

	if err := o.subscribe(conn, filters); err != nil {
		conn.Close()
		return nil, err
	}

	ch := &channel{
		conn:    conn,
		filters: filters,
		logger:  o.logger,
	}
	ch.Pipe = remote.NewPipe(o.buffer, ch.shutdown)

	go ch.readPump()
	if o.pingInterval > 0 {
		go ch.pingPump(o.pingInterval)
	}

	o.logger.Debug("Channel opened", "url", o.url, "filters", len(filters))
	return ch, nil
}

func dialError(resp *http.Response, err error) error {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return remote.NewError(remote.CodeUnauthorized, "subscribe", "channels", err)
		case resp.StatusCode >= http.StatusInternalServerError:
			return remote.NewError(remote.CodeUnavailable, "subscribe", "channels", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return remote.NewError(remote.CodeTimeout, "subscribe", "channels", err)
	}
	return remote.NewError(remote.CodeUnavailable, "subscribe", "channels", err)
}

func (o *Opener) subscribe(conn *websocket.Conn, filters []remote.Filter) error {
	msg, err := NewMessage(TypeSubscribe, SubscribePayload{Filters: filters})
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return remote.NewError(remote.CodeConnReset, "subscribe", "channels", err)
	}

	conn.SetReadDeadline(time.Now().Add(subscribeWait))
	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return remote.NewError(remote.CodeConnReset, "subscribe", "channels", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case TypeAck:
		return nil
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(reply.Payload, &p); err != nil {
			return remote.NewError(remote.CodeMalformed, "subscribe", "channels", err)
		}
		return p.remoteError("subscribe")
	default:
		return remote.NewError(remote.CodeMalformed, "subscribe", "channels",
			fmt.Errorf("unexpected %q reply to subscribe", reply.Type))
	}
}

type channel struct {
	*remote.Pipe
	conn    *websocket.Conn
	writeMu sync.Mutex
	filters []remote.Filter
	logger  *loggy.Logger
}

func (c *channel) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// shutdown runs once when the pipe ends, from Close or from a drop
func (c *channel) shutdown() {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.conn.Close()
}

func (c *channel) readPump() {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.Done():
			default:
				c.logger.Warn("Channel dropped", "error", err)
				c.Fail(remote.NewError(remote.CodeConnReset, "subscribe", "channels", err))
			}
			return
		}

		switch msg.Type {
		case TypeChange:
			var p ChangePayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				c.logger.Warn("Discarding malformed change", "error", err)
				continue
			}
			ev := p.Event()
			if !remote.MatchesAny(c.filters, ev) {
				continue
			}
			if !c.Emit(context.Background(), ev) {
				return
			}
		case TypePing:
			pong, _ := NewMessage(TypePong, nil)
			if err := c.write(pong); err != nil {
				c.Fail(remote.NewError(remote.CodeConnReset, "subscribe", "channels", err))
				return
			}
		case TypeError:
			var p ErrorPayload
			_ = json.Unmarshal(msg.Payload, &p)
			c.Fail(p.remoteError("subscribe"))
			return
		}
	}
}

func (c *channel) pingPump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			return
		case <-ticker.C:
			ping, _ := NewMessage(TypePing, nil)
			if err := c.write(ping); err != nil {
				c.Fail(remote.NewError(remote.CodeConnReset, "subscribe", "channels", err))
				return
			}
		}
	}
}
