package channel

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

// wsObjectStream carries one JSON-RPC object per websocket text message.
type wsObjectStream struct {
	conn *websocket.Conn

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

var _ jsonrpc2.ObjectStream = (*wsObjectStream)(nil)

func newObjectStream(conn *websocket.Conn) *wsObjectStream {
	return &wsObjectStream{conn: conn}
}

func (s *wsObjectStream) WriteObject(obj interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(obj)
}

func (s *wsObjectStream) ReadObject(v interface{}) error {
	err := s.conn.ReadJSON(v)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return jsonrpc2.ErrClosed
	}
	return err
}

func (s *wsObjectStream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
