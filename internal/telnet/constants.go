// Package telnet implements the MUD-side telnet protocol: a streaming IAC
// state machine that strips option negotiation from server output, answers
// it per our client policy, and extracts GMCP subnegotiation payloads.
package telnet

// Telnet command constants (RFC 854)
const (
	IAC  byte = 255 // Interpret As Command
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250 // Subnegotiation Begin
	GA   byte = 249 // Go Ahead
	EL   byte = 248 // Erase Line
	EC   byte = 247 // Erase Character
	AYT  byte = 246 // Are You There
	AO   byte = 245 // Abort Output
	IP   byte = 244 // Interrupt Process
	BRK  byte = 243 // Break
	DM   byte = 242 // Data Mark
	NOP  byte = 241 // No Operation
	SE   byte = 240 // Subnegotiation End
	EOR  byte = 239 // End of Record (RFC 885)
)

// Telnet option codes
const (
	OptEcho       byte = 1   // Echo (RFC 857)
	OptSGA        byte = 3   // Suppress Go Ahead
	OptTTYPE      byte = 24  // Terminal Type (RFC 1091)
	OptEOR        byte = 25  // End of Record
	OptNAWS       byte = 31  // Negotiate About Window Size (RFC 1073)
	OptNewEnviron byte = 39  // New Environment (RFC 1572)
	OptCharset    byte = 42  // Charset (RFC 2066)
	OptMSDP       byte = 69  // Mud Server Data Protocol
	OptMCCP2      byte = 86  // Mud Client Compression Protocol v2
	OptMXP        byte = 91  // Mud eXtension Protocol
	OptGMCP       byte = 201 // Generic Mud Communication Protocol
)

// TTYPE subnegotiation sub-commands (RFC 1091)
const (
	TTypeIs   byte = 0
	TTypeSend byte = 1
)

// NEW-ENVIRON subnegotiation sub-commands and value types (RFC 1572)
const (
	NewEnvIs    byte = 0
	NewEnvSend  byte = 1
	NewEnvVar   byte = 0
	NewEnvValue byte = 1
)

// CHARSET subnegotiation sub-commands (RFC 2066)
const (
	CharsetRequest  byte = 1
	CharsetAccepted byte = 2
	CharsetRejected byte = 3
)

// MSDP value markers
const (
	MSDPVar byte = 1
	MSDPVal byte = 2
)

// EscapeIAC doubles every 0xFF byte so the payload can be written to a
// telnet stream verbatim. Returns the input slice unchanged when no
// escaping is needed.
func EscapeIAC(p []byte) []byte {
	n := 0
	for _, b := range p {
		if b == IAC {
			n++
		}
	}
	if n == 0 {
		return p
	}
	escaped := make([]byte, 0, len(p)+n)
	for _, b := range p {
		if b == IAC {
			escaped = append(escaped, IAC, IAC)
		} else {
			escaped = append(escaped, b)
		}
	}
	return escaped
}

// NAWSSubneg builds an IAC SB NAWS width height IAC SE sequence with the
// dimension bytes escaped per RFC 1073.
func NAWSSubneg(width, height int) []byte {
	dims := []byte{
		byte(width >> 8), byte(width & 0xFF),
		byte(height >> 8), byte(height & 0xFF),
	}
	out := []byte{IAC, SB, OptNAWS}
	out = append(out, EscapeIAC(dims)...)
	return append(out, IAC, SE)
}
