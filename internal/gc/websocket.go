package gc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	xproxy "golang.org/x/net/proxy"
)

// WebSocketSession is the default Session implementation: a JSON protocol
// over a websocket gateway that terminates the Steam wire codec. One
// instance serves one credential for its whole lifetime; LogOn may be
// called again after a Disconnected event.
type WebSocketSession struct {
	gatewayURL string
	proxyURL   string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	loggedOff bool

	events  chan Event
	closeCh chan struct{}
}

// frame is the gateway message envelope, both directions.
type frame struct {
	Type    string          `json:"type"`
	EResult int             `json:"eresult,omitempty"`
	Msg     string          `json:"msg,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Owns    bool            `json:"owns_game,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type logonPayload struct {
	AccountName      string `json:"account_name"`
	Password         string `json:"password"`
	TwoFactorCode    string `json:"two_factor_code,omitempty"`
	RememberPassword bool   `json:"remember_password"`
}

type inspectPayload struct {
	Owner   uint64 `json:"owner,string"`
	AssetID uint64 `json:"asset_id,string"`
	D       uint64 `json:"d,string"`
}

// NewWebSocketSession creates a session against the given gateway.
// proxyURL may be empty, "http://..." or "socks5://...".
func NewWebSocketSession(gatewayURL, proxyURL string) *WebSocketSession {
	return &WebSocketSession{
		gatewayURL: gatewayURL,
		proxyURL:   proxyURL,
		events:     make(chan Event, 32),
		closeCh:    make(chan struct{}),
	}
}

// Events implements Session.
func (s *WebSocketSession) Events() <-chan Event {
	return s.events
}

// LogOn implements Session. It dials the gateway, sends credentials and
// starts the read and ping loops.
func (s *WebSocketSession) LogOn(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	dialer, err := s.buildDialer()
	if err != nil {
		return err
	}

	log.Debug().Str("account", creds.AccountName).Msg("Dialing coordinator gateway")

	conn, _, err := dialer.DialContext(ctx, s.gatewayURL, http.Header{
		"User-Agent": []string{"inspectd/1.0"},
	})
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}

	payload, _ := json.Marshal(logonPayload{
		AccountName:      creds.AccountName,
		Password:         creds.Password,
		TwoFactorCode:    creds.TwoFactorCode,
		RememberPassword: creds.RememberPassword,
	})
	if err := conn.WriteJSON(frame{Type: "logon", Payload: payload}); err != nil {
		conn.Close()
		return fmt.Errorf("logon send: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.loggedOff = false

	go s.readLoop(conn)
	go s.pingLoop(conn)
	return nil
}

// LogOff implements Session.
func (s *WebSocketSession) LogOff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.loggedOff = true
	_ = s.conn.WriteJSON(frame{Type: "logoff"})
	_ = s.conn.Close()
	s.connected = false
}

// GamesPlayed implements Session.
func (s *WebSocketSession) GamesPlayed(appIDs []uint32) error {
	payload, _ := json.Marshal(appIDs)
	return s.send(frame{Type: "games_played", Payload: payload})
}

// RequestFreeLicense implements Session.
func (s *WebSocketSession) RequestFreeLicense(appID uint32) error {
	payload, _ := json.Marshal(appID)
	return s.send(frame{Type: "request_free_license", Payload: payload})
}

// InspectItem implements Session.
func (s *WebSocketSession) InspectItem(owner, assetID, d uint64) error {
	payload, _ := json.Marshal(inspectPayload{Owner: owner, AssetID: assetID, D: d})
	return s.send(frame{Type: "inspect_item", Payload: payload})
}

func (s *WebSocketSession) send(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(f)
}

func (s *WebSocketSession) buildDialer() (*websocket.Dialer, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	if s.proxyURL == "" {
		return dialer, nil
	}

	u, err := url.Parse(s.proxyURL)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}
	switch {
	case strings.HasPrefix(s.proxyURL, "http://"):
		dialer.Proxy = http.ProxyURL(u)
	case strings.HasPrefix(s.proxyURL, "socks5://"):
		var auth *xproxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pw}
		}
		socks, err := xproxy.SOCKS5("tcp", u.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := socks.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return socks.Dial(network, addr)
		}
	default:
		return nil, fmt.Errorf("proxy must be http:// or socks5://: %s", s.proxyURL)
	}
	return dialer, nil
}

func (s *WebSocketSession) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			s.mu.Lock()
			requested := s.loggedOff
			s.mu.Unlock()
			if requested {
				// Our own LogOff tore the connection down.
				return
			}
			// A peer-initiated close, graceful or not, is a disconnect:
			// the consumer must stop routing work at this session.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.emit(Disconnected{Msg: "connection closed by peer"})
				return
			}
			s.emit(Disconnected{Msg: err.Error()})
			return
		}
		s.dispatch(f)
	}
}

func (s *WebSocketSession) dispatch(f frame) {
	switch f.Type {
	case "logged_on":
		s.emit(LoggedOn{OwnsGame: f.Owns})
	case "disconnected":
		s.emit(Disconnected{EResult: f.EResult, Msg: f.Msg})
	case "error":
		s.emit(SessionError{Err: fmt.Errorf("%s", f.Msg)})
	case "connected_to_gc":
		s.emit(ConnectedToGC{})
	case "disconnected_from_gc":
		s.emit(DisconnectedFromGC{Reason: f.Reason})
	case "ownership_cached":
		s.emit(OwnershipCached{OwnsGame: f.Owns})
	case "inspect_item_info":
		var info ItemInfo
		if err := json.Unmarshal(f.Payload, &info); err != nil {
			log.Warn().Err(err).Msg("Malformed inspect response frame")
			return
		}
		s.emit(InspectItemInfo{Info: info})
	default:
		log.Debug().Str("type", f.Type).Msg("Unhandled gateway frame")
	}
}

func (s *WebSocketSession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// The bot actor fell behind; dropping is safer than blocking the
		// read loop since every event class is re-derivable on reconnect.
		log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Session event dropped, consumer slow")
	}
}

func (s *WebSocketSession) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			connected := s.connected && s.conn == conn
			if connected {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Debug().Err(err).Msg("Gateway ping failed")
					s.mu.Unlock()
					return
				}
			}
			s.mu.Unlock()
			if !connected {
				return
			}
		}
	}
}
