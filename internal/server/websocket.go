package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codepair/backend/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	channelWriteWait  = 10 * time.Second
	channelPongWait   = 60 * time.Second
	channelPingPeriod = 50 * time.Second
)

var channelUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The session token authenticates the connection; origins vary across
		// embedded editor deployments.
		return true
	},
}

// handleChannel upgrades the request into the bidirectional synchronization
// channel for one participant. The token subject, not the payload username,
// is the participant identity for every event on the connection.
func (h *httpHandler) handleChannel(c *gin.Context) {
	sessionID := c.Param("sessionId")
	username := c.GetString(usernameContextKey)

	conn, err := channelUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("channel upgrade failed",
			zap.String("session_id", sessionID),
			zap.String("username", username),
			zap.Error(err))
		return
	}

	channel := &channelConn{
		conn:      conn,
		registry:  h.registry,
		logger:    h.logger,
		sessionID: sessionID,
		username:  username,
	}
	channel.run(c.Request.Context())
}

// channelConn binds one websocket connection to the registry. Reads happen on
// the request goroutine; the write pump serializes outbound traffic.
type channelConn struct {
	conn      *websocket.Conn
	registry  *session.Registry
	logger    *zap.Logger
	sessionID string
	username  string

	writeMu sync.Mutex
	joined  *session.Joined
}

func (cc *channelConn) run(ctx context.Context) {
	defer cc.conn.Close()
	defer func() {
		if cc.joined != nil {
			cc.joined.Leave()
		}
	}()

	cc.conn.SetReadDeadline(time.Now().Add(channelPongWait)) //nolint:errcheck
	cc.conn.SetPongHandler(func(string) error {
		return cc.conn.SetReadDeadline(time.Now().Add(channelPongWait))
	})

	for {
		var envelope session.Envelope
		if err := cc.conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cc.logger.Debug("channel closed unexpectedly",
					zap.String("session_id", cc.sessionID),
					zap.String("username", cc.username),
					zap.Error(err))
			}
			return
		}
		cc.dispatch(ctx, envelope)
	}
}

// dispatch routes one inbound event to the registry. The path session id is
// authoritative; the registry performs no payload interpretation beyond the
// routing done here, and unknown events are dropped.
func (cc *channelConn) dispatch(ctx context.Context, envelope session.Envelope) {
	switch envelope.Event {
	case session.EventJoin:
		cc.handleJoin(ctx)
	case session.EventLeave:
		cc.registry.Leave(cc.sessionID, cc.username)
	case session.EventCodeChange:
		cc.registry.ApplyCodeUpdate(ctx, cc.sessionID, cc.username, envelope.Code)
	case session.EventCursorChange:
		if envelope.CursorPosition == nil {
			return
		}
		cc.registry.ApplyCursorUpdate(cc.sessionID, cc.username, *envelope.CursorPosition)
	case session.EventEditHighlight:
		cc.registry.ApplyHighlight(cc.sessionID, cc.username, envelope.LineNumber, envelope.EditorID, envelope.Timestamp)
	case session.EventExecuteCode:
		cc.registry.ApplyExecutionRequest(ctx, cc.sessionID, cc.username, envelope.Code)
	case session.EventEditorError:
		cc.registry.BroadcastError(cc.sessionID, envelope.ErrorMessage)
	default:
		cc.logger.Warn("unknown channel event dropped",
			zap.String("session_id", cc.sessionID),
			zap.String("event", envelope.Event))
	}
}

func (cc *channelConn) handleJoin(ctx context.Context) {
	if cc.joined != nil {
		return
	}
	joined, err := cc.registry.Join(ctx, cc.sessionID, cc.username)
	if err != nil {
		cc.logger.Warn("join rejected",
			zap.String("session_id", cc.sessionID),
			zap.String("username", cc.username),
			zap.Error(err))
		cc.writeEnvelope(session.Envelope{ //nolint:errcheck
			Event:           session.EventEditorError,
			CodingSessionID: cc.sessionID,
			ErrorMessage:    "join rejected",
		})
		return
	}
	cc.joined = joined

	// Hand the joining client the authoritative buffer so a reconnect
	// resynchronizes without waiting for the next remote change. The envelope
	// carries the joiner's own username so it passes receiver validation.
	cc.writeEnvelope(session.Envelope{ //nolint:errcheck
		Event:           session.EventCodeChange,
		CodingSessionID: cc.sessionID,
		Username:        cc.username,
		Code:            joined.Code,
	})

	go cc.writePump(joined)
}

// writePump forwards registry broadcasts to the socket until the participant
// is detached or the connection fails.
func (cc *channelConn) writePump(joined *session.Joined) {
	ticker := time.NewTicker(channelPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case envelope := <-joined.Stream:
			if err := cc.writeEnvelope(envelope); err != nil {
				cc.conn.Close()
				return
			}
		case <-joined.Done:
			cc.writeMu.Lock()
			cc.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))                                 //nolint:errcheck
			cc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
			cc.writeMu.Unlock()
			return
		case <-ticker.C:
			cc.writeMu.Lock()
			cc.conn.SetWriteDeadline(time.Now().Add(channelWriteWait)) //nolint:errcheck
			err := cc.conn.WriteMessage(websocket.PingMessage, nil)
			cc.writeMu.Unlock()
			if err != nil {
				cc.conn.Close()
				return
			}
		}
	}
}

func (cc *channelConn) writeEnvelope(envelope session.Envelope) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	cc.conn.SetWriteDeadline(time.Now().Add(channelWriteWait)) //nolint:errcheck
	return cc.conn.WriteJSON(envelope)
}
