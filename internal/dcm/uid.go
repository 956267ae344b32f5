package dcm

// Transfer syntaxes.
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"
)

// SOP classes used by the broker's associations.
const (
	VerificationSOPClass                       = "1.2.840.10008.1.1"
	StudyRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.2.2"
)

const (
	ImplementationClassUIDValue    = "2.25.229148531626914061837459032119587304051"
	ImplementationVersionNameValue = "DCMRS_BROKER_01"
)

// NormalizeTransferSyntax maps syntaxes that should not be stored as-is onto
// explicit VR little endian.
func NormalizeTransferSyntax(ts string) string {
	switch ts {
	case ImplicitVRLittleEndian, ExplicitVRBigEndian, "":
		return ExplicitVRLittleEndian
	}
	return ts
}
