package protocol

// Request OpCodes (Wire Protocol)
const (
	OpCodePing    = 0x01 // Ping (Health check)
	OpCodeGet     = 0x02 // Get Key
	OpCodeSet     = 0x03 // Set Key Value
	OpCodeDel     = 0x04 // Delete Key
	OpCodeAppend  = 0x05 // Append to Key
	OpCodeExpire  = 0x06 // Arm absolute expiry
	OpCodeStick   = 0x07 // Pin value in memory
	OpCodeHSet    = 0x08 // Set Hash Fields
	OpCodeHGetAll = 0x09 // Get All Hash Fields
	OpCodeSelect  = 0x0A // Select Database
	OpCodeFlushDb = 0x0B // Drop every key of the database
	OpCodeRestore = 0x0C // Install a dumped value

	OpCodeStat = 0x20 // Server Statistics

	OpCodeIdxCreate = 0x30 // Create Search Index
	OpCodeIdxDrop   = 0x31 // Drop Search Index
	OpCodeIdxSearch = 0x32 // Query Search Index

	OpCodeReplHello = 0x50 // Replication Handshake
	OpCodeReplBatch = 0x51 // Replication Batch Data
	OpCodeMigrate   = 0x60 // Start Slot Migration

	OpCodeQuit = 0xFF // Close Connection
)

// Response Status Codes
const (
	ResStatusOK             = 0x00 // Success
	ResStatusErr            = 0x01 // Generic Error
	ResStatusNotFound       = 0x02 // Key Not Found
	ResStatusWrongType      = 0x03 // Value has the wrong type
	ResStatusServerBusy     = 0x06 // Server overloaded
	ResStatusEntityTooLarge = 0x07 // Payload exceeds limits
)

// ProtoHeaderSize is the size of the request header (1 byte OpCode + 4 bytes Length).
const ProtoHeaderSize = 5
