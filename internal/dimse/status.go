package dimse

// DIMSE status codes the broker inspects.
const (
	StatusSuccess               = 0x0000
	StatusCancel                = 0xFE00
	StatusPending               = 0xFF00
	StatusPendingWarning        = 0xFF01
	StatusUnableToStore         = 0xA700
	StatusProcessingFail        = 0x0110
	StatusUnrecognizedOperation = 0x0211
	// StatusCannotUnderstand answers a C-STORE whose dataset cannot be parsed.
	StatusCannotUnderstand      = 0xC000
)

// IsPending reports whether a response is an intermediate one.
func IsPending(status int) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsSuccess reports a terminal success. Warning statuses (0xB000 range)
// also count since the operation completed.
func IsSuccess(status int) bool {
	return status == StatusSuccess || status&0xF000 == 0xB000
}
