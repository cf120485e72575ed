// Package protocol implements the framed terminal wire protocol.
//
// Every message is a single tag byte followed by a payload. The tag table
// depends on the direction of travel:
//
// Server → client:
//   - 0x00 Output: raw terminal output, written verbatim
//   - 0x01 SetTitle: window title (opaque)
//   - 0x02 SetPreferences: client preferences (opaque)
//
// Client → server:
//   - '0' Input: raw bytes for the process's controlling input
//   - '1' Resize: JSON object {"columns":N,"rows":M}
//
// Any other tag decodes to an Unknown frame. Unknown frames are ignored by
// every consumer; this is how new message types are added without breaking
// older peers.
//
// Example Usage:
//
//	msg := protocol.Encode(protocol.Resize(120, 40))
//	frame, err := protocol.DecodeClient(msg)
//	if err != nil {
//		// log and drop, the connection stays open
//	}
package protocol
