package model

type KeyDelivery string

const (
	// KeyDeliverySeparate returns the key to the sender once; the receiver
	// must present it.
	KeyDeliverySeparate KeyDelivery = "separate"
	// KeyDeliveryLink embeds the key in the share link fragment.
	KeyDeliveryLink KeyDelivery = "link"
	// KeyDeliveryServer keeps the key on the server; the token alone suffices.
	KeyDeliveryServer KeyDelivery = "server"
)

func (k KeyDelivery) ServerHeld() bool {
	return k == KeyDeliveryServer
}

type SessionEventType string

const (
	SessionEventRetrieved SessionEventType = "retrieved"
	SessionEventConsumed  SessionEventType = "consumed"
	SessionEventDestroyed SessionEventType = "destroyed"
	SessionEventExpired   SessionEventType = "expired"
)
