// Package relay is a minimal in-process relay for the chatsync event
// channel. It accepts WebSocket connections, learns each connection's user
// from the announce frame, and forwards messageSent events to the receiver
// as messageReceived. It keeps one connection per user and stores nothing.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/primenest/chatsync/frame"
	"github.com/primenest/chatsync/wire"
)

// ErrOffline is returned when delivering to a user with no connection.
var ErrOffline = errors.New("relay: receiver offline")

type peer struct {
	id     string
	userID string
	conn   net.Conn
	wmu    sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return wsutil.WriteServerBinary(p.conn, data)
}

// Server routes events between connected users.
type Server struct {
	log *slog.Logger
	ids *frame.ULIDGen

	mu        sync.Mutex
	peers     map[string]*peer // userID -> peer
	announced map[string]int   // userID -> announce frames seen
}

// New creates a relay. A nil logger uses slog.Default().
func New(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:       log.With("component", "relay"),
		ids:       frame.NewULIDGen(),
		peers:     make(map[string]*peer),
		announced: make(map[string]int),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", "error", err)
		return
	}
	s.serve(conn)
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	data, err := wsutil.ReadClientBinary(conn)
	if err != nil {
		return
	}
	_, name, payload, err := frame.DecodeEvent(data)
	if err != nil || name != frame.EventAnnounce {
		s.log.Debug("first frame is not an announce", "event", name, "error", err)
		return
	}
	var a wire.AnnouncePayload
	if err := json.Unmarshal(payload, &a); err != nil || a.UserID == "" {
		s.log.Debug("bad announce", "error", err)
		return
	}

	p := &peer{id: uuid.NewString(), userID: a.UserID, conn: conn}
	s.attach(p)
	defer s.detach(p)

	for {
		data, err := wsutil.ReadClientBinary(conn)
		if err != nil {
			return
		}
		_, name, payload, err := frame.DecodeEvent(data)
		if err != nil {
			s.log.Debug("bad frame", "peer", p.id, "error", err)
			continue
		}
		switch name {
		case frame.EventMessageSent:
			s.forward(p, payload)
		default:
			s.log.Debug("unexpected event", "peer", p.id, "event", name)
		}
	}
}

// attach registers p, replacing and closing any previous connection of
// the same user.
func (s *Server) attach(p *peer) {
	s.mu.Lock()
	previous := s.peers[p.userID]
	s.peers[p.userID] = p
	s.announced[p.userID]++
	s.mu.Unlock()

	s.log.Info("user announced", "user", p.userID, "peer", p.id)
	if previous != nil {
		previous.conn.Close()
	}
}

func (s *Server) detach(p *peer) {
	s.mu.Lock()
	if s.peers[p.userID] == p {
		delete(s.peers, p.userID)
	}
	s.mu.Unlock()
}

func (s *Server) forward(from *peer, payload []byte) {
	var sent wire.MessageSentPayload
	if err := json.Unmarshal(payload, &sent); err != nil || sent.ReceiverID == "" {
		s.log.Debug("bad messageSent", "peer", from.id, "error", err)
		return
	}
	if err := s.deliver(sent.ReceiverID, s.ids.Next(), sent.Payload); err != nil {
		s.log.Debug("not forwarded", "from", from.userID, "to", sent.ReceiverID, "error", err)
	}
}

func (s *Server) deliver(userID string, eventID [16]byte, message json.RawMessage) error {
	s.mu.Lock()
	p := s.peers[userID]
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrOffline, userID)
	}

	body, err := json.Marshal(wire.MessageReceivedPayload{Payload: message})
	if err != nil {
		return err
	}
	encoded, err := frame.EncodeEvent(frame.EventMessageReceived, eventID, body)
	if err != nil {
		return err
	}
	return p.write(encoded)
}

// Deliver pushes m to userID as a messageReceived event and returns the
// event id used.
func (s *Server) Deliver(userID string, m wire.Message) ([16]byte, error) {
	id := s.ids.Next()
	return id, s.DeliverWithID(userID, id, m)
}

// DeliverWithID is Deliver with a caller-chosen event id, for replays.
func (s *Server) DeliverWithID(userID string, eventID [16]byte, m wire.Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.deliver(userID, eventID, raw)
}

// Announcements returns how many announce frames userID has sent.
func (s *Server) Announcements(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.announced[userID]
}

// Online reports whether userID has a live connection.
func (s *Server) Online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[userID] != nil
}

// Kick drops userID's connection, if any.
func (s *Server) Kick(userID string) bool {
	s.mu.Lock()
	p := s.peers[userID]
	delete(s.peers, userID)
	s.mu.Unlock()
	if p == nil {
		return false
	}
	p.conn.Close()
	return true
}
