package protocol

// GATT layout of Petkit fountains. Frames are written to WriteUUID and
// arrive as notifications on NotifyUUID.
const (
	ServiceUUID = "0000aaa0-0000-1000-8000-00805f9b34fb"
	NotifyUUID  = "0000aaa1-0000-1000-8000-00805f9b34fb"
	WriteUUID   = "0000aaa2-0000-1000-8000-00805f9b34fb"
)
