package relay

// Event is a lifecycle or traffic event handed to the coordinator by a
// transport. The set of variants is closed.
type Event interface{ isEvent() }

// Connected requests registration of a new connection. Reply receives the
// outcome and must be buffered.
type Connected struct {
	Handle Handle
	Reply  chan<- ConnectResult
}

// ConnectResult carries the outcome of a Connected event.
type ConnectResult struct {
	Conn *Connection
	Err  error
}

// Message carries an inbound payload from a joined connection.
type Message struct {
	From    ID
	Payload []byte
}

// Disconnected signals transport teardown of a connection.
type Disconnected struct {
	ID ID
}

func (Connected) isEvent()    {}
func (Message) isEvent()      {}
func (Disconnected) isEvent() {}
