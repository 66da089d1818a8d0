package interfaces

// Stream is the push side of a watching client's connection.
// Implementations must be safe for concurrent use and Close must be idempotent.
type Stream interface {
	// Write pushes one complete frame. An error means the connection is dead.
	Write(frame []byte) error
	Close() error
}
