package bluez

import uuid "github.com/satori/go.uuid"

func mustUUID(s string) uuid.UUID {
	u, err := uuid.FromString(s)
	if err != nil {
		panic(err)
	}
	return u
}

// FIDO GATT service and characteristic UUIDs (spec §5, §6).
var (
	ServiceUUID                 = mustUUID("0000fffd-0000-1000-8000-00805f9b34fb")
	ControlPointUUID            = mustUUID("f1d0fff1-deaa-ecee-b42f-c9ba7ed623bb")
	StatusUUID                  = mustUUID("f1d0fff2-deaa-ecee-b42f-c9ba7ed623bb")
	ControlPointLengthUUID      = mustUUID("f1d0fff3-deaa-ecee-b42f-c9ba7ed623bb")
	ServiceRevisionBitfieldUUID = mustUUID("f1d0fff4-deaa-ecee-b42f-c9ba7ed623bb")
)

// ServiceRevisionBLE is the protocol revision value some authenticators
// require selecting via ServiceRevisionBitfieldUUID (spec §6, §9 Open
// Question; gated behind config.WriteServiceRevision).
const ServiceRevisionBLE byte = 0x20
