package redtooth

// a2dpSinkUUID is the audio-sink service class the wireless stack is asked to
// open or close on a paired device.
const a2dpSinkUUID = "0000110b-0000-1000-8000-00805f9b34fb"

// ProfileClient is the opaque profile negotiation primitive. The pool never
// looks inside it: enable/disable either succeed or fail, and LinkUp is the
// OS's ground truth about the link, independent of anything cached here.
// Timeouts on these calls are the implementation's business, not the pool's.
type ProfileClient interface {
	EnableAudioSink(addr DeviceAddress) error
	DisableAudioSink(addr DeviceAddress) error

	// LinkUp queries the OS radio stack for the actual link state.
	LinkUp(addr DeviceAddress) (bool, error)
}
