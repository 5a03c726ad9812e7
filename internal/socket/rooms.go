package socket

import "strings"

// Join adds c to room.
func (s *Server) Join(c *Client, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		s.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// Leave removes c from room.
func (s *Server) Leave(c *Client, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(c, room)
}

func (s *Server) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	members, ok := s.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
}

// Rooms returns the occupied rooms whose name starts with prefix, mapped to
// their member count.
func (s *Server) Rooms(prefix string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for room, members := range s.rooms {
		if strings.HasPrefix(room, prefix) {
			out[room] = len(members)
		}
	}
	return out
}

// Emit sends event to every member of room and returns how many clients
// it was queued for. Slow members miss the message.
func (s *Server) Emit(room, event string, data any) (int, error) {
	b, err := encodeFrame(event, nil, data)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for c := range s.rooms[room] {
		if c.send(b) {
			n++
		}
	}
	return n, nil
}
