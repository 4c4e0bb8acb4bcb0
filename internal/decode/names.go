package decode

import "fmt"

var nrcNames = map[byte]string{
	0x10: "generalReject",
	0x11: "serviceNotSupported",
	0x12: "subFunctionNotSupported",
	0x13: "incorrectMessageLengthOrInvalidFormat",
	0x14: "responseTooLong",
	0x21: "busyRepeatRequest",
	0x22: "conditionsNotCorrect",
	0x24: "requestSequenceError",
	0x25: "noResponseFromSubnetComponent",
	0x26: "failurePreventsExecutionOfRequestedAction",
	0x31: "requestOutOfRange",
	0x33: "securityAccessDenied",
	0x35: "invalidKey",
	0x36: "exceededNumberOfAttempts",
	0x37: "requiredTimeDelayNotExpired",
	0x70: "uploadDownloadNotAccepted",
	0x71: "transferDataSuspended",
	0x72: "generalProgrammingFailure",
	0x73: "wrongBlockSequenceCounter",
	0x78: "requestCorrectlyReceivedResponsePending",
	0x7E: "subFunctionNotSupportedInActiveSession",
	0x7F: "serviceNotSupportedInActiveSession",
	0x81: "rpmTooHigh",
	0x82: "rpmTooLow",
	0x83: "engineIsRunning",
	0x84: "engineIsNotRunning",
	0x85: "engineRunTimeTooLow",
	0x86: "temperatureTooHigh",
	0x87: "temperatureTooLow",
	0x88: "vehicleSpeedTooHigh",
	0x89: "vehicleSpeedTooLow",
	0x8A: "throttlePedalTooHigh",
	0x8B: "throttlePedalTooLow",
	0x8C: "transmissionRangeNotInNeutral",
	0x8D: "transmissionRangeNotInGear",
	0x8F: "brakeSwitchesNotClosed",
	0x90: "shifterLeverNotInPark",
	0x91: "torqueConverterClutchLocked",
	0x92: "voltageTooHigh",
	0x93: "voltageTooLow",
}

// NRC 0x78: the ECU will answer later; not a final outcome.
const NRCResponsePending = 0x78

// NRCName returns the ISO 14229 mnemonic for a negative response code.
func NRCName(nrc byte) string {
	if n, ok := nrcNames[nrc]; ok {
		return n
	}
	if nrc >= 0x38 && nrc <= 0x4F {
		return "reservedByExtendedDataLinkSecurity"
	}
	return fmt.Sprintf("nrc_0x%02X", nrc)
}

var serviceNames = map[byte]string{
	0x01: "showCurrentData",
	0x02: "showFreezeFrameData",
	0x03: "showStoredDTCs",
	0x04: "clearDTCs",
	0x07: "showPendingDTCs",
	0x09: "requestVehicleInformation",
	0x0A: "showPermanentDTCs",
	0x10: "DiagnosticSessionControl",
	0x11: "ECUReset",
	0x14: "ClearDiagnosticInformation",
	0x19: "ReadDTCInformation",
	0x22: "ReadDataByIdentifier",
	0x23: "ReadMemoryByAddress",
	0x27: "SecurityAccess",
	0x28: "CommunicationControl",
	0x2E: "WriteDataByIdentifier",
	0x2F: "InputOutputControlByIdentifier",
	0x31: "RoutineControl",
	0x34: "RequestDownload",
	0x35: "RequestUpload",
	0x36: "TransferData",
	0x37: "RequestTransferExit",
	0x3E: "TesterPresent",
	0x85: "ControlDTCSetting",
}

// ServiceName names an OBD-II mode or UDS service id.
func ServiceName(sid byte) string {
	if n, ok := serviceNames[sid]; ok {
		return n
	}
	return fmt.Sprintf("service_0x%02X", sid)
}
