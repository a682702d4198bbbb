package frame

// Opcode identifies the payload schema carried by a frame. Values are fixed
// by the wire format (§6) and must never be renumbered once shipped.
type Opcode uint16

const (
	OpHello Opcode = iota + 1
	OpHelloReply
	OpGoodbye
	OpPing
	OpPong

	OpKeyPackageUpload
	OpKeyPackageFetch
	OpKeyPackageResponse
	OpProposal
	OpCommit
	OpWelcome

	OpAppMessage

	OpSyncRequest
	OpSyncResponse
)

var opcodeNames = map[Opcode]string{
	OpHello:              "Hello",
	OpHelloReply:         "HelloReply",
	OpGoodbye:            "Goodbye",
	OpPing:               "Ping",
	OpPong:               "Pong",
	OpKeyPackageUpload:   "KeyPackageUpload",
	OpKeyPackageFetch:    "KeyPackageFetch",
	OpKeyPackageResponse: "KeyPackageResponse",
	OpProposal:           "Proposal",
	OpCommit:             "Commit",
	OpWelcome:            "Welcome",
	OpAppMessage:         "AppMessage",
	OpSyncRequest:        "SyncRequest",
	OpSyncResponse:       "SyncResponse",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether o is one of the enumerated opcodes.
func (o Opcode) Valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Directed reports whether this opcode's recipient_id field designates a
// single target session rather than the room's membership.
func (o Opcode) Directed() bool {
	return o == OpWelcome
}
