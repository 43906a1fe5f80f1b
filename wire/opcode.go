// Package wire implements the Apteryx length-prefixed binary framing
// and the request/reply payload codec.
package wire

// Opcode identifies the operation carried by a frame's body.
type Opcode byte

const (
	OpSet       Opcode = 0x01
	OpGet       Opcode = 0x02
	OpSearch    Opcode = 0x03
	OpTraverse  Opcode = 0x04
	OpPrune     Opcode = 0x05
	OpTimestamp Opcode = 0x06
	OpFind      Opcode = 0x07
	OpQuery     Opcode = 0x08
	OpMemuse    Opcode = 0x09
	OpTest      Opcode = 0x10
)

// TSAny is the "don't care" timestamp: a SET or PRUNE carrying it skips
// the compare-and-swap check. For SET an expected timestamp of zero is a
// real comparison (the path must not exist yet); PRUNE skips the check
// for zero as well.
const TSAny = ^uint64(0)

// Status is the 32-bit signed reply status; negative values are errors.
type Status int32

const (
	StatusOK = Status(0)
	// EPERM: a validator refused the mutation.
	StatusEPERM Status = -1
	// EBUSY: a CAS timestamp did not match.
	StatusEBUSY Status = -16
	// ETIMEDOUT: a callback or RPC call exceeded its budget.
	StatusETIMEDOUT Status = -110
	// EINVAL: a malformed path or frame.
	StatusEINVAL Status = -22
	// ERANGE: a value did not parse as the requested type.
	StatusERANGE Status = -34
)

func (s Status) Error() string {
	switch s {
	case StatusOK:
		return "success"
	case StatusEPERM:
		return "validator refused the change"
	case StatusEBUSY:
		return "compare-and-swap conflict"
	case StatusETIMEDOUT:
		return "timed out"
	case StatusEINVAL:
		return "invalid path"
	case StatusERANGE:
		return "value out of range"
	default:
		return "unknown status"
	}
}
