package connection

import "context"

// ConnectRequest carries what a transport needs to open a connection.
type ConnectRequest struct {
	URL    string
	UserID string
	Token  string
}

// Delegate receives callbacks for one connection.
type Delegate interface {
	OnFrame(data []byte)
	// OnClose is called exactly once after the connection ends. err is nil
	// when the close was requested through Conn.Close.
	OnClose(err error)
}

// Conn is an open connection.
type Conn interface {
	Write(frame []byte) error
	Close() error
}

// Transport opens connections. Dial blocks until the connection is open or
// fails; on failure the delegate is never called.
type Transport interface {
	Dial(ctx context.Context, req ConnectRequest, d Delegate) (Conn, error)
}
