package ble

// GATT identifiers of the object-transfer service exposed by device
// firmware. The control characteristic carries commands and acks, the
// data characteristic carries chunk bytes.
const (
	TransferServiceUUID = "9DB96B80-2F3C-4A9A-B2F1-7D0F4E3A8C01"
	ControlCharUUID     = "9DB96B81-2F3C-4A9A-B2F1-7D0F4E3A8C01"
	DataCharUUID        = "9DB96B82-2F3C-4A9A-B2F1-7D0F4E3A8C01"
)
