package types

// Frame is a single decoded image in packed RGB24 (row-major, 3 bytes per
// pixel). The splitter creates it and the feeder consumes it; whoever
// receives a Frame from a queue owns it and the sender keeps no reference.
type Frame struct {
	// Index is the position of the frame in the latent sequence.
	Index int
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data holds Width*Height*3 bytes
	Data []byte
}

// Channels is the sample count per pixel of every Frame.
const Channels = 3

// Valid reports whether Data matches the declared dimensions.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*Channels
}
