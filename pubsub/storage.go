package pubsub

import "github.com/chatmesh/relay/internal"

// The channel which has Storage* payloads. Produced by the message router,
// consumed by the storage writer. Appends are fire-and-forget: the router
// never waits for, nor learns about, the outcome of a write.
const ChanStorage = "storagech"

type StorageListener interface {
	AppendMessage(p *StorageAppendMessage)
}

// StorageAppendMessage asks the storage writer to append Message to the
// recipient's history record.
type StorageAppendMessage struct {
	Message internal.Message
}

func (s StorageAppendMessage) Type() string { return "m" }

type StorageSub struct {
	listener Listener
	receiver StorageListener
}

func NewStorageSub(l Listener, recv StorageListener) *StorageSub {
	return &StorageSub{
		listener: l,
		receiver: recv,
	}
}

func (s *StorageSub) Teardown() {
	s.listener.Close()
}

func (s *StorageSub) onMessage(p Payload) {
	switch p.Type() {
	case StorageAppendMessage{}.Type():
		s.receiver.AppendMessage(p.(*StorageAppendMessage))
	}
}

func (s *StorageSub) Listen() error {
	return s.listener.Listen(ChanStorage, s.onMessage)
}
