package schema

import "fmt"

// Service identifies a QMI service type. It is the service-type byte of the
// QMUX header and the service id announced by the IPC router.
type Service uint8

// Service types from the QMI service table.
const (
	ServiceControl Service = 0
	ServiceWDS     Service = 1
	ServiceDMS     Service = 2
	ServiceNAS     Service = 3
	ServiceQOS     Service = 4
	ServiceWMS     Service = 5
	ServicePDS     Service = 6
	ServiceAUTH    Service = 7
	ServiceAT      Service = 8
	ServiceVoice   Service = 9
	ServiceCAT2    Service = 10
	ServiceUIM     Service = 11
	ServicePBM     Service = 12
	ServiceQCHAT   Service = 13
	ServiceRMTFS   Service = 14
	ServiceTest    Service = 15
	ServiceLOC     Service = 16
	ServiceSAR     Service = 17
	ServiceIMS     Service = 18
	ServiceADC     Service = 19
	ServiceCSD     Service = 20
	ServiceMFS     Service = 21
	ServiceTime    Service = 22
	ServiceTS      Service = 23
	ServiceTMD     Service = 24
	ServiceSAP     Service = 25
	ServiceWDA     Service = 26
	ServiceTSYNC   Service = 27
	ServiceRFSA    Service = 28
	ServiceCSVT    Service = 29
	ServiceQCMAP   Service = 30
	ServiceIMSP    Service = 31
	ServiceIMSVT   Service = 32
	ServiceIMSA    Service = 33
	ServiceCOEX    Service = 34
	ServicePDC     Service = 36
	ServiceSTX     Service = 38
	ServiceBIT     Service = 39
	ServiceIMSRTP  Service = 40
	ServiceRFRPE   Service = 41
	ServiceDSD     Service = 42
	ServiceSSCTL   Service = 43
	ServiceCAT     Service = 224
	ServiceRMS     Service = 225
	ServiceOMA     Service = 226
	ServiceGMS     Service = 231
)

var serviceNames = map[Service]string{
	ServiceControl: "CTL",
	ServiceWDS:     "WDS",
	ServiceDMS:     "DMS",
	ServiceNAS:     "NAS",
	ServiceQOS:     "QOS",
	ServiceWMS:     "WMS",
	ServicePDS:     "PDS",
	ServiceAUTH:    "AUTH",
	ServiceAT:      "AT",
	ServiceVoice:   "VOICE",
	ServiceCAT2:    "CAT2",
	ServiceUIM:     "UIM",
	ServicePBM:     "PBM",
	ServiceQCHAT:   "QCHAT",
	ServiceRMTFS:   "RMTFS",
	ServiceTest:    "TEST",
	ServiceLOC:     "LOC",
	ServiceSAR:     "SAR",
	ServiceIMS:     "IMS",
	ServiceADC:     "ADC",
	ServiceCSD:     "CSD",
	ServiceMFS:     "MFS",
	ServiceTime:    "TIME",
	ServiceTS:      "TS",
	ServiceTMD:     "TMD",
	ServiceSAP:     "SAP",
	ServiceWDA:     "WDA",
	ServiceTSYNC:   "TSYNC",
	ServiceRFSA:    "RFSA",
	ServiceCSVT:    "CSVT",
	ServiceQCMAP:   "QCMAP",
	ServiceIMSP:    "IMSP",
	ServiceIMSVT:   "IMSVT",
	ServiceIMSA:    "IMSA",
	ServiceCOEX:    "COEX",
	ServicePDC:     "PDC",
	ServiceSTX:     "STX",
	ServiceBIT:     "BIT",
	ServiceIMSRTP:  "IMSRTP",
	ServiceRFRPE:   "RFRPE",
	ServiceDSD:     "DSD",
	ServiceSSCTL:   "SSCTL",
	ServiceCAT:     "CAT",
	ServiceRMS:     "RMS",
	ServiceOMA:     "OMA",
	ServiceGMS:     "GMS",
}

// Name returns the short service mnemonic, or "" for unknown types.
func (s Service) Name() string {
	return serviceNames[s]
}

func (s Service) String() string {
	if name := serviceNames[s]; name != "" {
		return name
	}
	return fmt.Sprintf("service(%d)", uint8(s))
}

// ServiceByName maps a mnemonic such as "NAS" back to its service type.
func ServiceByName(name string) (Service, bool) {
	for s, n := range serviceNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// Control service message ids.
const (
	CtlSetInstanceID       uint16 = 0x0020
	CtlGetVersionInfo      uint16 = 0x0021
	CtlGetClientID         uint16 = 0x0022
	CtlReleaseClientID     uint16 = 0x0023
	CtlRevokeClientIDInd   uint16 = 0x0024
	CtlInvalidClientIDInd  uint16 = 0x0025
	CtlSetDataFormat       uint16 = 0x0026
	CtlSync                uint16 = 0x0027
	CtlSetEventReport      uint16 = 0x0028
	CtlSetPowerSaveConfig  uint16 = 0x0029
	CtlSetPowerSaveMode    uint16 = 0x002a
	CtlGetPowerSaveMode    uint16 = 0x002b
	CtlInternalProxyOpen   uint16 = 0xff00
)

var controlMessageNames = map[uint16]string{
	CtlSetInstanceID:      "SET_INSTANCE_ID",
	CtlGetVersionInfo:     "GET_VERSION_INFO",
	CtlGetClientID:        "GET_CLIENT_ID",
	CtlReleaseClientID:    "RELEASE_CLIENT_ID",
	CtlRevokeClientIDInd:  "REVOKE_CLIENT_ID_IND",
	CtlInvalidClientIDInd: "INVALID_CLIENT_ID_IND",
	CtlSetDataFormat:      "SET_DATA_FORMAT",
	CtlSync:               "SYNC",
	CtlSetEventReport:     "SET_EVENT_REPORT",
	CtlSetPowerSaveConfig: "SET_POWER_SAVE_CONFIG",
	CtlSetPowerSaveMode:   "SET_POWER_SAVE_MODE",
	CtlGetPowerSaveMode:   "GET_POWER_SAVE_MODE",
	CtlInternalProxyOpen:  "INTERNAL_PROXY_OPEN",
}

// ControlMessageName names a control-service message id.
func ControlMessageName(id uint16) string {
	if name := controlMessageNames[id]; name != "" {
		return name
	}
	return fmt.Sprintf("0x%04x", id)
}
